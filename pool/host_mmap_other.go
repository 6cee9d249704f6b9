//go:build !unix

package pool

import "github.com/pkg/errors"

// MmapHostAllocator returns a HostAllocator that takes block storage from anonymous private
// mappings rather than the Go heap. Freed blocks are unmapped and returned to the operating
// system immediately. Only available on unix platforms; elsewhere it returns an error.
func MmapHostAllocator() (HostAllocator, error) {
	return nil, errors.New("mmap-backed block storage is not available on this platform")
}
