package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memkit/fixedpool/memutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// OutOfMemoryError is the error returned from allocation methods when the host allocator
// refuses to provide a new block. The pool's state is unchanged when it is returned.
var OutOfMemoryError error = errors.New("the host allocator failed to provide a block")

var blockPool = sync.Pool{
	New: func() any {
		return &block{}
	},
}

// blockList owns a singly-linked chain of blocks and the three cursors that drive slot
// placement: firstBlock and lastBlock delimit the chain, and firstFreeBlock points at the
// earliest block known to have a free slot, or nil when every block is full.
//
// firstFreeBlock never points at a full block, and no block ahead of it in the chain has
// free slots. Keeping that ordering is why deallocateSlot walks the chain from the front
// instead of consulting an index: the walk both finds the owning block and learns whether
// the freed block sits ahead of the current cursor.
type blockList struct {
	logger *slog.Logger
	host   HostAllocator

	blockSize     int
	stride        int
	payloadSize   int
	elemSize      int
	slotAlign     uint
	slotsPerBlock int

	firstBlock     *block
	lastBlock      *block
	firstFreeBlock *block

	blockCount      int
	allocationCount int
	nextBlockID     int

	// liveSlots tracks the address of every outstanding slot when misuse detection is on.
	// It exists purely to turn double frees and foreign pointers into a panic with a usable
	// message; the deallocation walk itself never consults it for placement.
	liveSlots *swiss.Map[uintptr, struct{}]
}

func (l *blockList) init(
	logger *slog.Logger,
	host HostAllocator,
	blockSize int,
	stride int,
	payloadSize int,
	elemSize int,
	slotAlign uint,
	detectMisuse bool,
) {
	l.logger = logger
	l.host = host
	l.blockSize = blockSize
	l.stride = stride
	l.payloadSize = payloadSize
	l.elemSize = elemSize
	l.slotAlign = slotAlign
	l.slotsPerBlock = blockSize / stride

	if detectMisuse {
		l.liveSlots = swiss.NewMap[uintptr, struct{}](42)
	}
}

func (l *blockList) nextFreeBlockFrom(b *block) *block {
	for ; b != nil; b = b.nextBlock {
		if b.freeSlotsCount > 0 {
			return b
		}
	}
	return nil
}

func (l *blockList) createBlock() (*block, error) {
	mem, err := l.host.AllocateBlock(l.blockSize)
	if err != nil {
		return nil, errors.Wrapf(OutOfMemoryError, "requesting a %d-byte block from the host allocator: %v", l.blockSize, err)
	}

	b := blockPool.Get().(*block)
	b.init(l.nextBlockID, mem, l.stride, l.slotAlign)
	l.nextBlockID++

	if l.lastBlock != nil {
		l.lastBlock.nextBlock = b
	} else {
		l.firstBlock = b
	}
	l.lastBlock = b
	l.blockCount++

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "created block",
		slog.Int("block.id", b.id),
		slog.Int("slots", b.slotCount))

	return b, nil
}

func (l *blockList) unlinkBlock(prev *block, b *block) {
	if prev == nil {
		l.firstBlock = b.nextBlock
	} else {
		prev.nextBlock = b.nextBlock
	}
	if l.lastBlock == b {
		l.lastBlock = prev
	}
	l.blockCount--
}

func (l *blockList) releaseBlock(b *block) {
	id := b.id
	mem := b.memory
	b.reset()

	err := l.host.FreeBlock(mem)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when returning block %d to the host allocator: %+v", id, err))
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "released block",
		slog.Int("block.id", id))

	blockPool.Put(b)
}

// allocateSlot hands out one slot from the earliest block with free capacity, creating a
// block at the tail of the chain when none has capacity. The returned slot's contents are
// indeterminate.
func (l *blockList) allocateSlot() (unsafe.Pointer, error) {
	memutil.DebugValidate(l)

	if l.firstFreeBlock == nil {
		b, err := l.createBlock()
		if err != nil {
			return nil, err
		}
		l.firstFreeBlock = b
	}

	b := l.firstFreeBlock
	s := b.popFreeSlot()
	if b.freeSlotsCount == 0 {
		l.firstFreeBlock = l.nextFreeBlockFrom(b.nextBlock)
	}

	l.allocationCount++

	if memutil.DebugMargin > 0 {
		memutil.WriteMagicValue(s, l.payloadSize)
	}
	if l.liveSlots != nil {
		l.liveSlots.Put(uintptr(s), struct{}{})
	}

	return s, nil
}

// deallocateSlot returns a slot to its owning block. The walk from firstBlock serves two
// purposes at once: locating the owner, and discovering whether the owner sits ahead of
// firstFreeBlock so the cursor can be pulled back to the earliest free block. A block whose
// slots all come free is unlinked and returned to the host allocator whole.
//
// Passing a pointer that did not come from this list is programmer misuse and panics.
func (l *blockList) deallocateSlot(p unsafe.Pointer) {
	memutil.DebugValidate(l)

	addr := uintptr(p)
	if l.liveSlots != nil {
		if _, live := l.liveSlots.Get(addr); !live {
			panic("attempted to deallocate a pointer that is not a live allocation of this pool")
		}
	}

	firstFreeBlockFollowsAfterCurrBlock := true
	var prev *block
	for b := l.firstBlock; b != nil; prev, b = b, b.nextBlock {
		if l.firstFreeBlock == b {
			firstFreeBlockFollowsAfterCurrBlock = false
		}

		if !b.contains(addr) {
			continue
		}

		if memutil.DebugMargin > 0 && !memutil.ValidateMagicValue(p, l.payloadSize) {
			panic("MEMORY CORRUPTION DETECTED AFTER LIVE ALLOCATION")
		}

		b.pushFreeSlot(p)
		l.allocationCount--
		if l.liveSlots != nil {
			l.liveSlots.Delete(addr)
		}

		if b.fullyFree() {
			if l.firstFreeBlock == b {
				l.firstFreeBlock = l.nextFreeBlockFrom(b.nextBlock)
			}
			l.unlinkBlock(prev, b)
			l.releaseBlock(b)
		} else if firstFreeBlockFollowsAfterCurrBlock {
			// The owner sits at or ahead of the old cursor position, so it is now the
			// earliest block with a free slot.
			l.firstFreeBlock = b
		}

		return
	}

	panic("attempted to deallocate a pointer that does not belong to this pool")
}

// destroy returns every block to the host allocator, full or not. Live allocations do not
// get any teardown; they are logged and their storage goes away with the block.
func (l *blockList) destroy() error {
	if l.allocationCount > 0 {
		l.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] destroying a pool that still has live allocations",
			slog.Int("allocations", l.allocationCount))
	}

	var firstErr error
	b := l.firstBlock
	for b != nil {
		next := b.nextBlock

		id := b.id
		mem := b.memory
		b.reset()
		err := l.host.FreeBlock(mem)
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "returning block %d to the host allocator", id)
		}
		blockPool.Put(b)

		b = next
	}

	l.firstBlock = nil
	l.lastBlock = nil
	l.firstFreeBlock = nil
	l.blockCount = 0
	l.allocationCount = 0
	if l.liveSlots != nil {
		l.liveSlots = swiss.NewMap[uintptr, struct{}](42)
	}

	return firstErr
}

// moveFrom releases this list's own blocks, then takes over src's chain, cursors, and
// bookkeeping. src is left in the empty state and remains usable.
func (l *blockList) moveFrom(src *blockList) error {
	err := l.destroy()
	if err != nil {
		return err
	}

	l.firstBlock = src.firstBlock
	l.lastBlock = src.lastBlock
	l.firstFreeBlock = src.firstFreeBlock
	l.blockCount = src.blockCount
	l.allocationCount = src.allocationCount
	l.nextBlockID = src.nextBlockID
	l.liveSlots = src.liveSlots

	src.firstBlock = nil
	src.lastBlock = nil
	src.firstFreeBlock = nil
	src.blockCount = 0
	src.allocationCount = 0
	src.nextBlockID = 0
	if src.liveSlots != nil {
		src.liveSlots = swiss.NewMap[uintptr, struct{}](42)
	}

	return nil
}

func (l *blockList) Validate() error {
	if (l.firstBlock == nil) != (l.lastBlock == nil) {
		return errors.New("the chain's first and last cursors do not agree about whether the chain is empty")
	}

	chainCount := 0
	liveCount := 0
	sawFirstFree := false
	var last *block
	for b := l.firstBlock; b != nil; b = b.nextBlock {
		chainCount++
		if chainCount > l.blockCount {
			return errors.Errorf("the chain holds more than the recorded %d blocks - it must contain a cycle", l.blockCount)
		}

		err := b.validate()
		if err != nil {
			return err
		}

		if b.fullyFree() {
			return errors.Errorf("block %d is fully free but was not returned to the host allocator", b.id)
		}

		if l.firstFreeBlock == b {
			sawFirstFree = true
		} else if !sawFirstFree && b.freeSlotsCount > 0 {
			return errors.Errorf("block %d has free slots but sits ahead of the first-free-block cursor", b.id)
		}

		liveCount += b.slotCount - b.freeSlotsCount
		last = b
	}

	if chainCount != l.blockCount {
		return errors.Errorf("the chain holds %d blocks but %d are recorded", chainCount, l.blockCount)
	}
	if last != l.lastBlock {
		return errors.New("the chain's last cursor does not point at the final block")
	}
	if l.firstFreeBlock != nil {
		if !sawFirstFree {
			return errors.New("the first-free-block cursor points at a block outside the chain")
		}
		if l.firstFreeBlock.freeSlotsCount < 1 {
			return errors.Errorf("the first-free-block cursor points at block %d, which is full", l.firstFreeBlock.id)
		}
	}
	if liveCount != l.allocationCount {
		return errors.Errorf("the chain holds %d live slots but %d allocations are recorded", liveCount, l.allocationCount)
	}
	if l.liveSlots != nil && l.liveSlots.Count() != l.allocationCount {
		return errors.Errorf("%d live slot addresses are tracked but %d allocations are recorded", l.liveSlots.Count(), l.allocationCount)
	}

	return nil
}

var _ memutil.Validatable = (*blockList)(nil)

func (l *blockList) addStatistics(stats *memutil.Statistics) {
	stats.BlockCount += l.blockCount
	stats.AllocationCount += l.allocationCount
	stats.BlockBytes += l.blockCount * l.blockSize
	stats.AllocationBytes += l.allocationCount * l.elemSize
}

func (l *blockList) addDetailedStatistics(stats *memutil.DetailedStatistics) {
	for b := l.firstBlock; b != nil; b = b.nextBlock {
		stats.BlockCount++
		stats.BlockBytes += l.blockSize

		if b.freeSlotsCount > 0 {
			stats.AddUnusedRange(b.freeSlotsCount * l.stride)
		}
		for i := b.slotCount - b.freeSlotsCount; i > 0; i-- {
			stats.AddAllocation(l.elemSize)
		}
	}
}

// checkCorruption validates the debug margin after every live slot of every block. Free
// slots are skipped: the explicit free list is walked to collect them, and slots past the
// lazy frontier have never carried a value at all.
func (l *blockList) checkCorruption() error {
	if memutil.DebugMargin == 0 {
		return errors.New("corruption detection requires the debug_pool_utils build tag")
	}

	for b := l.firstBlock; b != nil; b = b.nextBlock {
		freeSlots := make(map[uintptr]struct{}, b.freeSlotsCount)
		for s := b.freeSlotsListHead; s != nil; s = slotNextLink(s) {
			freeSlots[uintptr(s)] = struct{}{}
		}
		_, terminalIndex := b.freeListLength()
		untouched := b.freeSlotsCount - len(freeSlots)

		for i := 0; i < b.slotCount; i++ {
			s := b.slotAt(i)
			if _, free := freeSlots[uintptr(s)]; free {
				continue
			}
			if untouched > 0 && i > terminalIndex {
				continue
			}
			if !memutil.ValidateMagicValue(s, l.payloadSize) {
				return errors.Errorf("memory corruption detected after a live slot of block %d", b.id)
			}
		}
	}

	return nil
}

func (l *blockList) printDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("BlockSize").Int(l.blockSize)
	obj.Name("SlotStride").Int(l.stride)
	obj.Name("SlotsPerBlock").Int(l.slotsPerBlock)
	obj.Name("BlockCount").Int(l.blockCount)
	obj.Name("Allocations").Int(l.allocationCount)

	blocksObj := obj.Name("Blocks").Object()
	defer blocksObj.End()

	for b := l.firstBlock; b != nil; b = b.nextBlock {
		blockObj := blocksObj.Name(strconv.Itoa(b.id)).Object()

		freeListLength, _ := b.freeListLength()

		blockObj.Name("TotalBytes").Int(l.blockSize)
		blockObj.Name("UnusedBytes").Int(b.freeSlotsCount * l.stride)
		blockObj.Name("Allocations").Int(b.slotCount - b.freeSlotsCount)
		blockObj.Name("FreeSlots").Int(b.freeSlotsCount)
		blockObj.Name("FreeListLength").Int(freeListLength)
		blockObj.Name("IsCurrentFreeBlock").Bool(b == l.firstFreeBlock)

		blockObj.End()
	}
}
