package pool

import (
	"math"
	"reflect"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memkit/fixedpool/memutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// DefaultBlockSize is the block size used when PoolCreateInfo.BlockSize is zero.
const DefaultBlockSize = 4096

// PoolCreateInfo configures a new Pool.
type PoolCreateInfo struct {
	// Logger receives debug lines for block creation and release and error lines for
	// unreleased allocations at destruction. Defaults to slog.Default.
	Logger *slog.Logger
	// BlockSize is the size in bytes of each region requested from the host allocator.
	// Defaults to DefaultBlockSize.
	BlockSize int
	// HostAllocator provides block storage. Defaults to HeapHostAllocator.
	HostAllocator HostAllocator

	// LeaveSingleFreeBlock is reserved. It is accepted so configurations can carry it, but
	// no reclamation behavior consults it yet.
	LeaveSingleFreeBlock bool

	// AllowGoPointers skips the construction-time check that rejects element types whose
	// representation contains Go pointers. Slot storage is not scanned by the garbage
	// collector, so callers who set this must keep referents alive themselves.
	AllowGoPointers bool

	// DetectMisuse makes the pool track the address of every outstanding slot so that a
	// double free or a pointer from another pool panics with a usable message instead of
	// corrupting the free list.
	DetectMisuse bool
}

// Pool hands out and reclaims storage for values of a single type T. Storage comes from
// the host allocator in fixed-size blocks that the pool carves into slots; a freed slot
// goes back onto its block's intrusive free list, and a block whose slots all come free is
// returned to the host allocator whole.
//
// A Pool is single-owner: it must not be used from more than one goroutine at a time.
// Distinct pools are independent and may be used on distinct goroutines.
type Pool[T any] struct {
	createInfo PoolCreateInfo
	list       blockList
}

// NewPool creates an empty pool for values of type T. No block is allocated until the
// first Allocate call.
//
// T must not contain Go pointers unless PoolCreateInfo.AllowGoPointers is set; see
// PoolCreateInfo.
func NewPool[T any](createInfo PoolCreateInfo) (*Pool[T], error) {
	if createInfo.Logger == nil {
		createInfo.Logger = slog.Default()
	}
	if createInfo.BlockSize == 0 {
		createInfo.BlockSize = DefaultBlockSize
	}
	if createInfo.BlockSize < 1 {
		return nil, errors.Errorf("invalid BlockSize: %d", createInfo.BlockSize)
	}
	if createInfo.HostAllocator == nil {
		createInfo.HostAllocator = HeapHostAllocator()
	}

	var zero T
	elemType := reflect.TypeOf(&zero).Elem()
	if !createInfo.AllowGoPointers && typeContainsGoPointers(elemType) {
		return nil, errors.Errorf(
			"%s contains Go pointers, which the garbage collector cannot see inside pool storage - set AllowGoPointers to take responsibility for keeping referents alive",
			elemType)
	}

	var ptr unsafe.Pointer
	elemSize := int(unsafe.Sizeof(zero))
	ptrSize := int(unsafe.Sizeof(ptr))

	slotAlign := uint(unsafe.Alignof(zero))
	if ptrAlign := uint(unsafe.Alignof(ptr)); ptrAlign > slotAlign {
		slotAlign = ptrAlign
	}
	memutil.DebugCheckPow2(slotAlign, "slot alignment")

	// A slot must hold either a live T or a free-list link, whichever is larger, plus the
	// debug margin in instrumented builds.
	payloadSize := elemSize
	if ptrSize > payloadSize {
		payloadSize = ptrSize
	}
	stride := memutil.AlignUp(payloadSize+memutil.DebugMargin, slotAlign)

	// Worst-case base alignment loss still has to leave room for one slot.
	if createInfo.BlockSize < stride+int(slotAlign)-1 {
		return nil, errors.Errorf("BlockSize %d cannot hold even one %d-byte slot of %s", createInfo.BlockSize, stride, elemType)
	}

	p := &Pool[T]{
		createInfo: createInfo,
	}
	p.list.init(createInfo.Logger, createInfo.HostAllocator, createInfo.BlockSize, stride, payloadSize, elemSize, slotAlign, createInfo.DetectMisuse)

	return p, nil
}

// Allocate hands out a pointer to storage for one T. The contents of the storage are
// indeterminate; use NewElement to allocate and initialize in one step.
//
// Returns an error wrapping OutOfMemoryError if the host allocator refuses to provide a
// block; the pool is unchanged in that case.
func (p *Pool[T]) Allocate() (*T, error) {
	s, err := p.list.allocateSlot()
	if err != nil {
		return nil, err
	}
	return (*T)(s), nil
}

// Deallocate returns storage previously handed out by Allocate on this pool. Passing nil
// is a no-op. Passing a pointer that lies in none of this pool's blocks is programmer misuse
// and panics. A double free, or any other pointer into a block that is not a live
// allocation, panics only when PoolCreateInfo.DetectMisuse is set; otherwise it is not
// detected and corrupts the block's free list.
func (p *Pool[T]) Deallocate(elem *T) {
	if elem == nil {
		return
	}
	p.list.deallocateSlot(unsafe.Pointer(elem))
}

// NewElement allocates storage for one T and copies value into it.
func (p *Pool[T]) NewElement(value T) (*T, error) {
	elem, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	*elem = value
	return elem, nil
}

// NewElementFn allocates storage for one T and runs ctor on it. If ctor fails - by error
// or by panic - the slot is returned to the pool before the failure propagates.
func (p *Pool[T]) NewElementFn(ctor func(*T) error) (elem *T, err error) {
	elem, err = p.Allocate()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			p.list.deallocateSlot(unsafe.Pointer(elem))
			panic(r)
		}
	}()

	err = ctor(elem)
	if err != nil {
		p.list.deallocateSlot(unsafe.Pointer(elem))
		return nil, err
	}
	return elem, nil
}

// DeleteElement zeroes *elem and returns its storage to the pool. Zeroing is the Go
// rendering of destruction: it drops whatever the value held so stale contents cannot leak
// into the next allocation of the slot. Passing nil is a no-op.
func (p *Pool[T]) DeleteElement(elem *T) {
	if elem == nil {
		return
	}
	var zero T
	*elem = zero
	p.list.deallocateSlot(unsafe.Pointer(elem))
}

// Address returns the address of the referenced element. It exists for parity with the
// Allocator surface consumed by container frameworks; in Go it is the identity function.
func (p *Pool[T]) Address(elem *T) *T {
	return elem
}

// MaxSize returns an advisory upper bound on the total number of slots this pool could
// ever hand out. The value is not overflow-safe for extreme block sizes and should not be
// treated as a promise.
func (p *Pool[T]) MaxSize() int {
	return (math.MaxInt / p.list.blockSize) * p.list.slotsPerBlock
}

// BlockCount returns the number of blocks currently held from the host allocator.
func (p *Pool[T]) BlockCount() int {
	return p.list.blockCount
}

// AllocationCount returns the number of slots currently handed out.
func (p *Pool[T]) AllocationCount() int {
	return p.list.allocationCount
}

// SlotsPerBlock returns the number of slots each full-capacity block holds.
func (p *Pool[T]) SlotsPerBlock() int {
	return p.list.slotsPerBlock
}

// IsEmpty returns true when the pool holds no blocks at all.
func (p *Pool[T]) IsEmpty() bool {
	return p.list.blockCount == 0
}

// Validate performs internal consistency checks over the whole block chain: chain and
// cursor integrity, per-block free-list integrity, and bookkeeping balance. When the pool
// is functioning correctly it cannot return an error, but it may assist in diagnosing
// misuse that the pool did not catch at the point of damage.
func (p *Pool[T]) Validate() error {
	return p.list.Validate()
}

// CheckCorruption verifies the debug margin after every live slot. It returns an error
// unless the module was built with the debug_pool_utils build tag, since without the tag
// no margins are written. This walk is expensive and intended for diagnostics only.
func (p *Pool[T]) CheckCorruption() error {
	return p.list.checkCorruption()
}

// AddStatistics sums this pool's block and allocation counters into stats.
func (p *Pool[T]) AddStatistics(stats *memutil.Statistics) {
	p.list.addStatistics(stats)
}

// AddDetailedStatistics sums this pool's per-block counters, free ranges, and allocation
// size extrema into stats. It walks every block.
func (p *Pool[T]) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	p.list.addDetailedStatistics(stats)
}

// PrintDetailedMap writes a JSON description of the block chain - per-block occupancy,
// free-list shape, and the position of the first-free-block cursor - to writer.
func (p *Pool[T]) PrintDetailedMap(writer *jwriter.Writer) {
	p.list.printDetailedMap(writer)
}

// BuildStatsString returns the PrintDetailedMap JSON as a byte slice.
func (p *Pool[T]) BuildStatsString() []byte {
	writer := jwriter.NewWriter()
	p.PrintDetailedMap(&writer)
	return writer.Bytes()
}

// Clone returns a new empty pool with this pool's configuration. No storage is shared:
// cloning exists so container-copy operations that duplicate their allocator do not
// silently alias blocks.
func (p *Pool[T]) Clone() *Pool[T] {
	clone, err := NewPool[T](p.createInfo)
	if err != nil {
		panic("a configuration that built one pool failed to build its clone")
	}
	return clone
}

// MoveFrom releases this pool's own blocks, then takes over other's blocks, cursors, and
// bookkeeping, leaving other empty but usable. Outstanding pointers allocated from other
// remain valid and must now be returned to this pool. Moving a pool into itself is a
// no-op.
func (p *Pool[T]) MoveFrom(other *Pool[T]) error {
	if p == other {
		return nil
	}
	if p.list.blockSize != other.list.blockSize || p.list.stride != other.list.stride {
		return errors.Errorf(
			"cannot move blocks between pools with different geometry: %d-byte blocks of %d-byte slots vs %d-byte blocks of %d-byte slots",
			other.list.blockSize, other.list.stride, p.list.blockSize, p.list.stride)
	}

	err := p.list.moveFrom(&other.list)
	if err != nil {
		return err
	}

	// Blocks must go back to the host that produced them, so the host moves with them.
	p.createInfo.HostAllocator = other.createInfo.HostAllocator
	p.list.host = other.list.host

	return nil
}

// Destroy returns every block to the host allocator whether or not its slots are free.
// Live elements do not get any teardown: their storage simply goes away, and the pool
// reports them through its logger. Callers who need teardown must DeleteElement every
// live element first. The pool itself remains usable and empty afterward.
func (p *Pool[T]) Destroy() error {
	p.list.logger.Debug("Pool::Destroy")
	return p.list.destroy()
}
