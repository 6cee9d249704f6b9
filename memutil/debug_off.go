//go:build !debug_pool_utils

package memutil

import "unsafe"

const (
	// DebugMargin is the number of bytes of debug data placed after the value region of each
	// live slot in pool-managed blocks
	DebugMargin int = 0
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the provided
// pointer and offset. This method no-ops unless the debug_pool_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is
// still present. It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_pool_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned.
// This method no-ops unless the debug_pool_utils build tag is present.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics
// if it is not. This method no-ops unless the debug_pool_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
