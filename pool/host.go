package pool

import (
	"github.com/pkg/errors"
)

// HostAllocator provides the raw block storage that a Pool carves into slots. The pool
// requests whole blocks at a time and returns whole blocks at a time; it never resizes
// a region it has been given.
//
// Implementations do not need to be safe for concurrent use: a pool is single-owner and
// calls its host allocator from the owning goroutine only.
type HostAllocator interface {
	// AllocateBlock returns a region of exactly size bytes. The returned slice must not
	// alias any region previously returned and still outstanding.
	AllocateBlock(size int) ([]byte, error)
	// FreeBlock releases a region previously returned by AllocateBlock. The slice must be
	// the same one that AllocateBlock returned.
	FreeBlock(mem []byte) error
}

type heapHostAllocator struct{}

// HeapHostAllocator returns the default HostAllocator, which takes block storage from the
// Go heap. Blocks stay reachable through the pool's own bookkeeping until they are freed,
// at which point the garbage collector reclaims them.
func HeapHostAllocator() HostAllocator {
	return heapHostAllocator{}
}

func (heapHostAllocator) AllocateBlock(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid block size request: %d", size)
	}
	return make([]byte, size), nil
}

func (heapHostAllocator) FreeBlock(mem []byte) error {
	return nil
}
