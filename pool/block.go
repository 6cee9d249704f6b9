package pool

import (
	"unsafe"

	"github.com/pkg/errors"
)

// block is one region of host-allocator storage carved into fixed-stride slots. The header
// lives out-of-band as this Go struct rather than inside the raw region: slot memory is
// untyped bytes the garbage collector does not scan, so everything the collector must see -
// the chain link, the backing slice, the free-list bookkeeping - stays in ordinary Go fields.
//
// A new block threads only its first slot onto the free list. The remaining slots stay
// uninitialized until popFreeSlot reaches the end of the explicit list and links the
// physically adjacent slot on demand.
type block struct {
	id        int
	nextBlock *block

	freeSlotsListHead unsafe.Pointer
	freeSlotsCount    int

	memory    []byte
	basePtr   unsafe.Pointer
	slotsBase uintptr
	slotCount int
	stride    int
}

func (b *block) init(id int, memory []byte, stride int, slotAlign uint) {
	if b.memory != nil {
		panic("attempting to initialize a block that is already in use")
	}

	base := uintptr(unsafe.Pointer(&memory[0]))
	alignedBase := (base + uintptr(slotAlign) - 1) &^ (uintptr(slotAlign) - 1)
	usable := len(memory) - int(alignedBase-base)

	b.id = id
	b.nextBlock = nil
	b.memory = memory
	b.basePtr = unsafe.Add(unsafe.Pointer(&memory[0]), alignedBase-base)
	b.slotsBase = alignedBase
	b.slotCount = usable / stride
	b.stride = stride

	b.freeSlotsListHead = b.basePtr
	setSlotNextLink(b.freeSlotsListHead, nil)
	b.freeSlotsCount = b.slotCount
}

func (b *block) reset() {
	b.id = 0
	b.nextBlock = nil
	b.freeSlotsListHead = nil
	b.freeSlotsCount = 0
	b.memory = nil
	b.basePtr = nil
	b.slotsBase = 0
	b.slotCount = 0
	b.stride = 0
}

func (b *block) slotAt(index int) unsafe.Pointer {
	return unsafe.Add(b.basePtr, index*b.stride)
}

func (b *block) slotIndex(s unsafe.Pointer) int {
	return int(uintptr(s)-b.slotsBase) / b.stride
}

// contains reports whether addr falls inside this block's slot array. It compares raw
// addresses only; it does not check that addr sits on a slot boundary.
func (b *block) contains(addr uintptr) bool {
	return addr >= b.slotsBase && addr <= b.slotsBase+uintptr((b.slotCount-1)*b.stride)
}

func (b *block) fullyFree() bool {
	return b.freeSlotsCount == b.slotCount
}

// popFreeSlot hands out the head of the free list. When the head's link is nil and the head
// is not the last slot of the block, the physically adjacent slot has never been touched;
// it is linked in on demand so a fresh block pays only O(1) setup cost.
func (b *block) popFreeSlot() unsafe.Pointer {
	s := b.freeSlotsListHead
	b.freeSlotsCount--

	if b.freeSlotsCount == 0 {
		b.freeSlotsListHead = nil
		return s
	}

	next := slotNextLink(s)
	if next == nil && b.slotIndex(s) < b.slotCount-1 {
		next = unsafe.Add(s, b.stride)
		setSlotNextLink(next, nil)
	}
	b.freeSlotsListHead = next

	return s
}

// pushFreeSlot returns a slot to the free list, LIFO.
func (b *block) pushFreeSlot(s unsafe.Pointer) {
	setSlotNextLink(s, b.freeSlotsListHead)
	b.freeSlotsListHead = s
	b.freeSlotsCount++
}

// freeListLength walks the explicit free list and returns its length along with the index
// of its terminal slot, or -1 when the list is empty. Slots past the lazy frontier are free
// but do not appear in the explicit list, so the returned length may be smaller than
// freeSlotsCount.
func (b *block) freeListLength() (length int, terminalIndex int) {
	terminalIndex = -1
	for s := b.freeSlotsListHead; s != nil; s = slotNextLink(s) {
		length++
		if length > b.slotCount {
			panic("free list is longer than the block's slot count - the list must contain a cycle")
		}
		if slotNextLink(s) == nil {
			terminalIndex = b.slotIndex(s)
		}
	}
	return length, terminalIndex
}

func (b *block) validate() error {
	if b.memory == nil {
		return errors.Errorf("block %d has no backing storage", b.id)
	}
	if b.slotCount < 1 {
		return errors.Errorf("block %d has an invalid slot count %d", b.id, b.slotCount)
	}
	if b.freeSlotsCount < 0 || b.freeSlotsCount > b.slotCount {
		return errors.Errorf("block %d has %d free slots, outside the valid range [0, %d]", b.id, b.freeSlotsCount, b.slotCount)
	}
	if (b.freeSlotsCount == 0) != (b.freeSlotsListHead == nil) {
		return errors.Errorf("block %d has %d free slots but its free list head does not agree", b.id, b.freeSlotsCount)
	}

	listLength := 0
	for s := b.freeSlotsListHead; s != nil; s = slotNextLink(s) {
		addr := uintptr(s)
		if !b.contains(addr) {
			return errors.Errorf("block %d has a free-list link pointing outside the block", b.id)
		}
		if (addr-b.slotsBase)%uintptr(b.stride) != 0 {
			return errors.Errorf("block %d has a free-list link that does not sit on a slot boundary", b.id)
		}

		listLength++
		if listLength > b.freeSlotsCount {
			return errors.Errorf("block %d has more slots in its free list than its free count %d", b.id, b.freeSlotsCount)
		}

		if slotNextLink(s) == nil {
			// Slots past the terminal slot are the lazily uninitialized tail; together with
			// the explicit list they must account for every free slot.
			untouched := b.freeSlotsCount - listLength
			if untouched != 0 && b.slotIndex(s) != b.slotCount-1-untouched {
				return errors.Errorf(
					"block %d has %d free slots not on the free list, but its lazy frontier is at index %d of %d slots",
					b.id, untouched, b.slotIndex(s), b.slotCount)
			}
		}
	}

	return nil
}
