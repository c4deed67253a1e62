package pmm

import (
	"firefly/kernel"
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/kfmt"
	"firefly/kernel/mm"
	"firefly/kernel/sync"
	"reflect"
	"unsafe"
)

// MaxOrder is the largest block order managed by the buddy allocator. Blocks
// range from a single page (order 0) to 4 MiB (order 10).
const MaxOrder = mm.PageOrder(10)

// FillMode controls the contents of the memory returned by the buddy
// allocator.
type FillMode uint8

const (
	// FillZero clears the returned block before handing it out.
	FillZero FillMode = iota

	// FillNone returns the block without touching its contents.
	FillNone
)

// Block metadata is kept in a byte per frame. Only the first frame of a block
// carries metadata; the remaining frames of a block are always zero.
const (
	metaFree      = uint8(1 << 7)
	metaAllocated = uint8(1 << 6)
	metaOrderMask = uint8(0x0f)
)

// freeBlock is the free-list node stored at the start of every free block.
// Links hold physical addresses; 0 terminates a list as frame 0 can never be
// part of a block.
type freeBlock struct {
	next, prev uintptr
}

// frameClaimer transfers ownership of physical frames to the buddy
// allocator.
type frameClaimer interface {
	ClaimFrame(mm.Frame) bool
	ClaimRun(count uint64) (mm.Frame, bool)
}

// BuddyAllocator is a physical memory allocator that hands out power-of-two
// runs of frames. Each order has its own doubly-linked free list threaded
// through the free blocks themselves; a block's address is always a multiple
// of its size. All methods are safe for concurrent use.
type BuddyAllocator struct {
	lock sync.Spinlock

	// freeHeads holds the physical address of the first block in each
	// order's free list.
	freeHeads  [MaxOrder + 1]uintptr
	freeBlocks [MaxOrder + 1]uint64

	// meta tracks the state and order of the block starting at each
	// frame for frames [0, len(meta)).
	meta    []uint8
	metaHdr reflect.SliceHeader
}

// Init places every usable frame of the memory map that the claimer is willing
// to hand over into the free lists. Consecutive claimed frames are split into
// the largest blocks that their alignment allows.
func (alloc *BuddyAllocator) Init(memMap []multiboot.MemoryMapEntry, claimer frameClaimer) *kernel.Error {
	var highestAddr uint64
	for i := range memMap {
		if memMap[i].Type == multiboot.MemAvailable && memMap[i].Length != 0 && memMap[i].End() > highestAddr {
			highestAddr = memMap[i].End()
		}
	}

	if highestAddr == 0 {
		return errNoUsableMemory
	}

	frameCount := uint64(mm.AlignUp(uintptr(highestAddr), mm.PageSize) >> mm.PageShift)
	metaFrames := mm.Size(frameCount).Pages()
	metaFrame, ok := claimer.ClaimRun(metaFrames)
	if !ok || !metaFrame.Valid() {
		return errNoBuddyMetadata
	}

	metaAddr := mm.PhysToVirt(metaFrame.Address())
	kernel.Memset(metaAddr, 0, uintptr(metaFrames)<<mm.PageShift)
	alloc.metaHdr.Data = metaAddr
	alloc.metaHdr.Len = int(frameCount)
	alloc.metaHdr.Cap = int(frameCount)
	alloc.meta = *(*[]uint8)(unsafe.Pointer(&alloc.metaHdr))

	for order := range alloc.freeHeads {
		alloc.freeHeads[order] = 0
		alloc.freeBlocks[order] = 0
	}

	for i := range memMap {
		if memMap[i].Type != multiboot.MemAvailable {
			continue
		}

		startFrame, endFrame := regionFrames(&memMap[i])
		for frame := startFrame; frame < endFrame; {
			if !claimer.ClaimFrame(mm.Frame(frame)) {
				frame++
				continue
			}

			runStart := frame
			for frame++; frame < endFrame && claimer.ClaimFrame(mm.Frame(frame)); frame++ {
			}

			alloc.addRun(runStart, frame)
		}
	}

	kfmt.Printf("[pmm] buddy allocator: %d free pages, metadata at 0x%x\n", alloc.FreePages(), metaFrame.Address())
	return nil
}

// addRun inserts the frames [start, end) into the free lists as the largest
// naturally aligned blocks that fit.
func (alloc *BuddyAllocator) addRun(start, end uint64) {
	for start < end {
		order := MaxOrder
		for ; order > 0; order-- {
			blockFrames := uint64(1) << order
			if start&(blockFrames-1) == 0 && start+blockFrames <= end {
				break
			}
		}

		alloc.pushFree(start, order)
		start += uint64(1) << order
	}
}

// Allocate returns the physical address of a block that can hold size bytes.
// The size is rounded up to the next power-of-two number of pages. If no
// block of a suitable order is free, Allocate returns ErrOutOfMemory.
func (alloc *BuddyAllocator) Allocate(size mm.Size, fill FillMode) (uintptr, *kernel.Error) {
	if size == 0 || size > mm.Size(mm.PageSize)<<MaxOrder {
		return 0, ErrInvalidSize
	}

	order := size.Order()
	if order > MaxOrder {
		return 0, ErrInvalidSize
	}

	alloc.lock.Acquire()

	srcOrder := order
	for ; srcOrder <= MaxOrder && alloc.freeHeads[srcOrder] == 0; srcOrder++ {
	}

	if srcOrder > MaxOrder {
		alloc.lock.Release()
		return 0, ErrOutOfMemory
	}

	frame := alloc.popFree(srcOrder)

	// Split the block, returning the upper halves to the lower order lists
	for srcOrder > order {
		srcOrder--
		alloc.pushFree(frame+uint64(1)<<srcOrder, srcOrder)
	}

	alloc.meta[frame] = metaAllocated | uint8(order)
	alloc.lock.Release()

	addr := mm.Frame(frame).Address()
	if fill == FillZero {
		kernel.Memset(mm.PhysToVirt(addr), 0, mm.PageSize<<order)
	}

	return addr, nil
}

// MustAllocate behaves like Allocate but treats any failure as fatal. It is
// used by callers for which running out of physical memory is unrecoverable.
func (alloc *BuddyAllocator) MustAllocate(size mm.Size, fill FillMode) uintptr {
	addr, err := alloc.Allocate(size, fill)
	if err != nil {
		panicFn(err)
	}

	return addr
}

// Free returns a block obtained by Allocate to the allocator. The block is
// merged with its buddy (the block whose address differs only in the bit
// that corresponds to the block size) for as long as the buddy is free and of
// the same order. Freeing an address that does not point to an allocated
// block is a fatal error.
func (alloc *BuddyAllocator) Free(addr uintptr) {
	frame := uint64(addr >> mm.PageShift)

	alloc.lock.Acquire()

	if addr&(mm.PageSize-1) != 0 || frame >= uint64(len(alloc.meta)) || alloc.meta[frame]&metaAllocated == 0 {
		alloc.lock.Release()
		panicFn(errInvalidBlockFree)
		return
	}

	order := mm.PageOrder(alloc.meta[frame] & metaOrderMask)
	alloc.meta[frame] = 0

	for order < MaxOrder {
		buddy := frame ^ (uint64(1) << order)
		if buddy >= uint64(len(alloc.meta)) || alloc.meta[buddy] != metaFree|uint8(order) {
			break
		}

		alloc.removeFree(buddy, order)
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	alloc.pushFree(frame, order)
	alloc.lock.Release()
}

// FreeBlocks returns the number of free blocks of the given order.
func (alloc *BuddyAllocator) FreeBlocks(order mm.PageOrder) uint64 {
	if order > MaxOrder {
		return 0
	}

	alloc.lock.Acquire()
	count := alloc.freeBlocks[order]
	alloc.lock.Release()
	return count
}

// FreePages returns the total number of free pages across all orders.
func (alloc *BuddyAllocator) FreePages() uint64 {
	var pages uint64

	alloc.lock.Acquire()
	for order, count := range alloc.freeBlocks {
		pages += count << order
	}
	alloc.lock.Release()

	return pages
}

func (alloc *BuddyAllocator) node(frame uint64) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(mm.PhysToVirt(mm.Frame(frame).Address())))
}

// pushFree inserts the block starting at frame at the head of its order's
// free list.
func (alloc *BuddyAllocator) pushFree(frame uint64, order mm.PageOrder) {
	addr := mm.Frame(frame).Address()
	n := alloc.node(frame)
	n.prev = 0
	n.next = alloc.freeHeads[order]
	if n.next != 0 {
		alloc.node(uint64(n.next >> mm.PageShift)).prev = addr
	}

	alloc.freeHeads[order] = addr
	alloc.freeBlocks[order]++
	alloc.meta[frame] = metaFree | uint8(order)
}

// removeFree unlinks the block starting at frame from its order's free list.
func (alloc *BuddyAllocator) removeFree(frame uint64, order mm.PageOrder) {
	n := alloc.node(frame)
	if n.prev != 0 {
		alloc.node(uint64(n.prev >> mm.PageShift)).next = n.next
	} else {
		alloc.freeHeads[order] = n.next
	}

	if n.next != 0 {
		alloc.node(uint64(n.next >> mm.PageShift)).prev = n.prev
	}

	alloc.freeBlocks[order]--
	alloc.meta[frame] = 0
}

// popFree removes the first block from an order's free list and returns its
// frame. The list must not be empty.
func (alloc *BuddyAllocator) popFree(order mm.PageOrder) uint64 {
	frame := uint64(alloc.freeHeads[order] >> mm.PageShift)
	alloc.removeFree(frame, order)
	return frame
}
