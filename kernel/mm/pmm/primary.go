package pmm

import (
	"firefly/kernel"
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/kfmt"
	"firefly/kernel/mm"
	"firefly/kernel/sync"
	"unsafe"
)

const (
	// resultArenaFrames is the number of frames reserved at init time for
	// storing AllocationResult records.
	resultArenaFrames = 8

	resultArenaSize = uintptr(resultArenaFrames) << mm.PageShift

	// resultHeaderSize is the size of the AllocationResult fields that
	// precede the frame address list.
	resultHeaderSize = unsafe.Sizeof(AllocationResult{})

	// MaxAllocationFrames is the maximum number of frames that can be
	// requested by a single PrimaryAllocator.Allocate call. A result for
	// this many frames fills the entire result arena.
	MaxAllocationFrames = uint64((resultArenaSize - resultHeaderSize) >> mm.PointerShift)
)

// AllocationResult holds the frames reserved by a single call to
// PrimaryAllocator.Allocate. Each result lives in its own slot of the
// allocator's result arena and stays valid until it is passed to Deallocate
// or Release.
type AllocationResult struct {
	count uint32
	live  uint32

	// The frame address list follows the header in the arena slot.
}

// Count returns the number of frames in this result.
func (r *AllocationResult) Count() int {
	return int(r.count)
}

// Frame returns the physical address of the i-th frame in this result.
func (r *AllocationResult) Frame(i int) uintptr {
	return r.Frames()[i]
}

// Frames returns the physical addresses of the frames in this result. The
// returned slice aliases the result storage.
func (r *AllocationResult) Frames() []uintptr {
	return unsafe.Slice((*uintptr)(unsafe.Add(unsafe.Pointer(r), resultHeaderSize)), r.count)
}

// PrimaryAllocator is a physical frame allocator that tracks the state of
// every frame up to the highest usable address with a single bit. Its bitmap
// is the ground truth for frame ownership: frames handed over to the buddy
// allocator are flagged as used too.
//
// The allocator has no failure recovery path; running out of memory is
// fatal. It is meant for bootstrap-era callers. Allocate and Deallocate
// expect a single execution context; LateAllocate and LateDeallocate
// serialize concurrent callers with a spinlock.
type PrimaryAllocator struct {
	bitmap frameBitmap

	// bitmapAddr and bitmapSize describe the physical region that hosts
	// the bitmap words.
	bitmapAddr uintptr
	bitmapSize mm.Size

	// freeFrames tracks the number of clear bits in the bitmap.
	freeFrames uint64

	// reservedFrames is the number of free frames that ClaimFrame never
	// hands over to another allocator.
	reservedFrames uint64

	// arenaAddr is the physical address of the result arena. Results are
	// carved at increasing offsets from it and the cursor only rewinds
	// once every result has been retired.
	arenaAddr   uintptr
	arenaCursor uintptr
	liveResults uint32

	lateLock sync.Spinlock
}

// Init builds the frame bitmap from the firmware memory map. The bitmap and
// the result arena are carved from the start of the first usable regions that
// can host them and those regions are shrunk accordingly so that no other
// consumer of the memory map can hand out their frames. Every frame of every
// usable region is then flagged as free, except for frame 0 which stays
// reserved forever.
func (alloc *PrimaryAllocator) Init(memMap []multiboot.MemoryMapEntry) *kernel.Error {
	var highestAddr uint64
	for i := range memMap {
		if memMap[i].Type == multiboot.MemAvailable && memMap[i].End() > highestAddr {
			highestAddr = memMap[i].End()
		}
	}

	if highestAddr == 0 {
		return errNoUsableMemory
	}

	frameCount := uint64(mm.AlignUp(uintptr(highestAddr), mm.PageSize) >> mm.PageShift)
	wordCount := (frameCount + 63) >> 6
	alloc.bitmapSize = mm.Size(mm.AlignUp(uintptr(wordCount<<3), mm.PageSize))

	var ok bool
	if alloc.bitmapAddr, ok = CarveRegion(memMap, alloc.bitmapSize); !ok {
		return errNoBitmapHost
	}

	if alloc.arenaAddr, ok = CarveRegion(memMap, mm.Size(resultArenaSize)); !ok {
		return errNoResultArena
	}
	alloc.arenaCursor = 0
	alloc.liveResults = 0

	alloc.bitmap.overlay(mm.PhysToVirt(alloc.bitmapAddr), int(wordCount), frameCount)
	alloc.bitmap.setAll()
	alloc.freeFrames = 0

	for i := range memMap {
		if memMap[i].Type != multiboot.MemAvailable {
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		startFrame, endFrame := regionFrames(&memMap[i])
		for frame := startFrame; frame < endFrame; frame++ {
			if frame == 0 {
				continue
			}

			if !alloc.bitmap.clear(frame) {
				return errBitmapClear
			}
			alloc.freeFrames++
		}
	}

	kfmt.Printf("[pmm] frame bitmap: %d bytes at 0x%x, tracking %d frames\n", uint64(alloc.bitmapSize), alloc.bitmapAddr, frameCount)
	kfmt.Printf("[pmm] result arena at 0x%x, free frames: %d\n", alloc.arenaAddr, alloc.freeFrames)
	return nil
}

// Allocate reserves the requested number of frames, scanning the bitmap from
// the start for clear bits. Requests for zero frames or for more than
// MaxAllocationFrames frames return ErrRequestTooLarge. Running out of free
// frames is a fatal error.
func (alloc *PrimaryAllocator) Allocate(frames uint64) (*AllocationResult, *kernel.Error) {
	if frames == 0 || frames > MaxAllocationFrames {
		return nil, ErrRequestTooLarge
	}

	if frames > alloc.freeFrames {
		panicFn(ErrOutOfMemory)
		return nil, ErrOutOfMemory
	}

	if alloc.liveResults == 0 {
		alloc.arenaCursor = 0
	}

	slotSize := resultHeaderSize + uintptr(frames)<<mm.PointerShift
	if alloc.arenaCursor+slotSize > resultArenaSize {
		panicFn(errArenaExhausted)
		return nil, errArenaExhausted
	}

	res := (*AllocationResult)(unsafe.Pointer(mm.PhysToVirt(alloc.arenaAddr + alloc.arenaCursor)))
	alloc.arenaCursor += slotSize
	alloc.liveResults++
	res.count = uint32(frames)
	res.live = 1

	addrs := res.Frames()
	next := uint64(1)
	for i := range addrs {
		frame, ok := alloc.bitmap.findFirstClear(next)
		if !ok {
			panicFn(ErrOutOfMemory)
			return nil, ErrOutOfMemory
		}

		alloc.bitmap.set(frame)
		addrs[i] = mm.Frame(frame).Address()
		next = frame + 1
	}
	alloc.freeFrames -= frames

	return res, nil
}

// Deallocate flags every frame in res as free and retires res. Freeing a
// frame that is not allocated, or retiring a result twice, is a fatal error.
func (alloc *PrimaryAllocator) Deallocate(res *AllocationResult) {
	if res == nil {
		return
	}

	if res.live == 0 {
		panicFn(errResultRetired)
		return
	}

	for _, addr := range res.Frames() {
		frame := uint64(mm.FrameFromAddress(addr))
		if frame == 0 || !alloc.bitmap.clear(frame) {
			panicFn(errInvalidFree)
			return
		}
		alloc.freeFrames++
	}

	alloc.retire(res)
}

// Release retires res without freeing its frames. Callers that keep the
// frames for good use Release so the result arena slot can be reused.
func (alloc *PrimaryAllocator) Release(res *AllocationResult) {
	if res == nil {
		return
	}

	if res.live == 0 {
		panicFn(errResultRetired)
		return
	}

	alloc.retire(res)
}

func (alloc *PrimaryAllocator) retire(res *AllocationResult) {
	res.live = 0
	if alloc.liveResults--; alloc.liveResults == 0 {
		alloc.arenaCursor = 0
	}
}

// LateAllocate is the entry point used by kernel daemons once more than one
// execution context exists. It holds a single coarse lock for the whole
// scan-and-set sequence so it is only suitable for infrequent allocations.
func (alloc *PrimaryAllocator) LateAllocate(frames uint64) (*AllocationResult, *kernel.Error) {
	alloc.lateLock.Acquire()
	res, err := alloc.Allocate(frames)
	alloc.lateLock.Release()
	return res, err
}

// LateDeallocate is the counterpart of LateAllocate.
func (alloc *PrimaryAllocator) LateDeallocate(res *AllocationResult) {
	alloc.lateLock.Acquire()
	alloc.Deallocate(res)
	alloc.lateLock.Release()
}

// Remap points the frame bitmap at the current direct physical map. It must be
// called whenever the physical map offset changes after Init.
func (alloc *PrimaryAllocator) Remap() {
	alloc.bitmap.relocate(mm.PhysToVirt(alloc.bitmapAddr))
}

// SetReservedFrames sets the number of free frames that ClaimFrame keeps for
// the primary allocator.
func (alloc *PrimaryAllocator) SetReservedFrames(count uint64) {
	alloc.reservedFrames = count
}

// FreeFrames returns the number of frames that are currently free.
func (alloc *PrimaryAllocator) FreeFrames() uint64 {
	return alloc.freeFrames
}

// IsFree returns true if the frame is currently free.
func (alloc *PrimaryAllocator) IsFree(frame mm.Frame) bool {
	return !alloc.bitmap.isSet(uint64(frame))
}

// ClaimFrame transfers ownership of a free frame to another allocator. It
// returns false if the frame is not free or if handing it over would leave
// fewer free frames than the reserved frame count.
func (alloc *PrimaryAllocator) ClaimFrame(frame mm.Frame) bool {
	if alloc.freeFrames <= alloc.reservedFrames || frame == 0 || alloc.bitmap.isSet(uint64(frame)) {
		return false
	}

	alloc.bitmap.set(uint64(frame))
	alloc.freeFrames--
	return true
}

// ClaimRun transfers ownership of count consecutive free frames to another
// allocator and returns the first one. Unlike ClaimFrame, ClaimRun may dip
// into the reserved frames as it is used for allocator metadata.
func (alloc *PrimaryAllocator) ClaimRun(count uint64) (mm.Frame, bool) {
	start, ok := alloc.bitmap.findClearRun(1, count)
	if !ok {
		return mm.InvalidFrame, false
	}

	alloc.markUsed(start, count)
	return mm.Frame(start), true
}

// ReserveRegion flags every frame that overlaps [base, base+size) as used.
// Frames that are already unavailable are left untouched.
func (alloc *PrimaryAllocator) ReserveRegion(base uintptr, size mm.Size) {
	startFrame := uint64(base >> mm.PageShift)
	endFrame := uint64(mm.AlignUp(base+uintptr(size), mm.PageSize) >> mm.PageShift)

	for frame := startFrame; frame < endFrame; frame++ {
		if !alloc.bitmap.isSet(frame) {
			alloc.bitmap.set(frame)
			alloc.freeFrames--
		}
	}
}

func (alloc *PrimaryAllocator) markUsed(startFrame, count uint64) {
	for frame := startFrame; frame < startFrame+count; frame++ {
		alloc.bitmap.set(frame)
	}
	alloc.freeFrames -= count
}

// regionFrames returns the range [start, end) of frames that are fully
// contained in a memory map entry.
func regionFrames(entry *multiboot.MemoryMapEntry) (uint64, uint64) {
	start := uint64(mm.AlignUp(uintptr(entry.PhysAddress), mm.PageSize) >> mm.PageShift)
	end := uint64(mm.AlignDown(uintptr(entry.End()), mm.PageSize) >> mm.PageShift)
	if end < start {
		end = start
	}
	return start, end
}

// CarveRegion removes size bytes from the start of the first usable memory
// map entry that can fit them and returns the physical address of the removed
// region. The carved region is page-aligned and never includes frame 0. The
// size must be a multiple of the page size.
func CarveRegion(memMap []multiboot.MemoryMapEntry, size mm.Size) (uintptr, bool) {
	for i := range memMap {
		entry := &memMap[i]
		if entry.Type != multiboot.MemAvailable {
			continue
		}

		startFrame, endFrame := regionFrames(entry)
		if startFrame == 0 {
			startFrame = 1
		}

		if endFrame <= startFrame || mm.Size(endFrame-startFrame)<<mm.PageShift < size {
			continue
		}

		base := mm.Frame(startFrame).Address()
		newStart := uint64(base) + uint64(size)
		entry.Length = entry.End() - newStart
		entry.PhysAddress = newStart
		return base, true
	}

	return 0, false
}
