//go:build unix

package pool

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type mmapHostAllocator struct{}

// MmapHostAllocator returns a HostAllocator that takes block storage from anonymous private
// mappings rather than the Go heap. Freed blocks are unmapped and returned to the operating
// system immediately. Only available on unix platforms; elsewhere it returns an error.
func MmapHostAllocator() (HostAllocator, error) {
	return mmapHostAllocator{}, nil
}

func (mmapHostAllocator) AllocateBlock(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid block size request: %d", size)
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping a %d-byte anonymous region", size)
	}
	return mem, nil
}

func (mmapHostAllocator) FreeBlock(mem []byte) error {
	err := unix.Munmap(mem)
	if err != nil {
		return errors.Wrapf(err, "unmapping a %d-byte region", len(mem))
	}
	return nil
}
