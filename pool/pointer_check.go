package pool

import "reflect"

// typeContainsGoPointers reports whether a value of type t can carry pointers the garbage
// collector would need to trace. Pool slot storage is untyped bytes that the collector
// never scans, so such types are rejected at pool construction unless the caller opts in.
func typeContainsGoPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && typeContainsGoPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if typeContainsGoPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		// Chan, Func, Interface, Map, Pointer, Slice, String, UnsafePointer
		return true
	}
}
