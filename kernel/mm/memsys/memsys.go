// Package memsys owns the physical allocators, the page table mapper and the
// kernel address space, and brings them up in a fixed order:
//
//   - the primary allocator builds its frame bitmap from the memory map
//   - the mapper reserves the early page table region and maps physical
//     memory into the kernel's half of the address space
//   - the buddy allocator takes over the frames the primary allocator does
//     not keep for itself
//   - the mapper starts allocating page tables from the buddy allocator
package memsys

import (
	"firefly/kernel"
	"firefly/kernel/cpu"
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/kfmt"
	"firefly/kernel/mm"
	"firefly/kernel/mm/pmm"
	"firefly/kernel/mm/vmm"
	"firefly/kernel/sync"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// setPhysMapOffsetFn is used by tests to keep physical memory accesses
	// inside a fake memory buffer.
	setPhysMapOffsetFn = mm.SetPhysMapOffset

	// panicFn is used by tests to intercept fatal errors.
	panicFn = kfmt.Panic

	// memMapWriter tags every line of the memory map dump.
	memMapWriter = kfmt.PrefixWriter{Prefix: []byte("[memsys] ")}

	errAlreadyInitialized = &kernel.Error{Module: "memsys", Message: "memory subsystem already initialized"}
	errNotInitialized     = &kernel.Error{Module: "memsys", Message: "memory subsystem not initialized"}
)

// Subsystem is the kernel memory subsystem. The zero value is ready to be
// initialized with Init.
type Subsystem struct {
	primary  pmm.PrimaryAllocator
	physical pmm.BuddyAllocator
	mapper   vmm.Mapper

	// root is the physical address of the kernel's top-level page table.
	root  uintptr
	ready bool

	// lock guards the lazy construction of kernelSpace.
	lock             sync.Spinlock
	kernelSpace      vmm.VirtualSpace
	kernelSpaceReady bool
}

// Init brings up the memory subsystem using the firmware memory map. The
// physical memory region [kernelStart, kernelEnd) that hosts the kernel image
// is excluded from the map before any allocator sees it. The memory map
// entries are modified in place.
func (s *Subsystem) Init(memMap []multiboot.MemoryMapEntry, kernelStart, kernelEnd uintptr, cfg Config) *kernel.Error {
	if s.ready {
		return errAlreadyInitialized
	}

	printMemoryMap(memMap)
	if kernelEnd > kernelStart {
		dropped := excludeRegion(memMap, uint64(kernelStart), uint64(kernelEnd))
		kfmt.Printf("[memsys] kernel image: 0x%x - 0x%x (%d KiB)\n", kernelStart, kernelEnd, uint64((kernelEnd-kernelStart)>>10))
		if dropped != 0 {
			kfmt.Printf("[memsys] kernel image splits a usable region; %d KiB left unused\n", uint64(dropped/mm.Kb))
		}
	}

	if err := s.primary.Init(memMap); err != nil {
		return err
	}
	s.primary.SetReservedFrames(cfg.PrimaryReserve)

	s.root = mm.AlignDown(activePDTFn(), mm.PageSize)
	bootMap := vmm.BootMapConfig{
		EarlyRegionSize: cfg.EarlyRegionSize,
		MapSize:         cfg.BootMapSize,
		MapOffset:       cfg.BootMapOffset,
	}
	if err := s.mapper.BootMapExtraRegion(memMap, s.root, bootMap, &s.primary); err != nil {
		return err
	}
	setPhysMapOffsetFn(cfg.BootMapOffset)
	s.primary.Remap()

	if unmapped := clipMemoryMap(memMap, uint64(cfg.BootMapSize)); unmapped != 0 {
		kfmt.Printf("[memsys] %d KiB above the boot map stay with the primary allocator\n", uint64(unmapped/mm.Kb))
	}

	if err := s.physical.Init(memMap, &s.primary); err != nil {
		return err
	}

	if err := s.mapper.SwitchToPhysical(&s.physical); err != nil {
		return err
	}

	s.ready = true
	kfmt.Printf("[memsys] memory subsystem ready: %d free pages, %d frames kept by the primary allocator\n", s.physical.FreePages(), s.primary.FreeFrames())
	return nil
}

// Primary returns the bitmap allocator for bootstrap-era callers.
func (s *Subsystem) Primary() *pmm.PrimaryAllocator {
	return &s.primary
}

// Physical returns the buddy allocator that serves general physical memory
// allocations.
func (s *Subsystem) Physical() *pmm.BuddyAllocator {
	return &s.physical
}

// Mapper returns the page table mapper.
func (s *Subsystem) Mapper() *vmm.Mapper {
	return &s.mapper
}

// KernelSpace returns the kernel address space. It is constructed on first
// use and lives for as long as the kernel runs. Calling KernelSpace before
// Init is a fatal error.
func (s *Subsystem) KernelSpace() *vmm.VirtualSpace {
	s.lock.Acquire()
	if !s.kernelSpaceReady {
		if !s.ready {
			s.lock.Release()
			panicFn(errNotInitialized)
			return nil
		}

		s.kernelSpace.Init(s.root, &s.mapper)
		s.kernelSpaceReady = true
	}
	s.lock.Release()

	return &s.kernelSpace
}

// NewUserSpace allocates an empty top-level page table and returns a user
// address space for it.
func (s *Subsystem) NewUserSpace() (vmm.UserSpace, *kernel.Error) {
	if !s.ready {
		return vmm.UserSpace{}, errNotInitialized
	}

	root, err := s.physical.Allocate(mm.Size(mm.PageSize), pmm.FillZero)
	if err != nil {
		return vmm.UserSpace{}, err
	}

	return vmm.NewUserSpace(root), nil
}

// printMemoryMap prints out the firmware memory map and the total amount of
// usable memory.
func printMemoryMap(memMap []multiboot.MemoryMapEntry) {
	var totalFree mm.Size

	memMapWriter.Sink = kfmt.OutputSink()
	kfmt.Fprintf(&memMapWriter, "system memory map:\n")
	for i := range memMap {
		region := &memMap[i]
		kfmt.Fprintf(&memMapWriter, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Fprintf(&memMapWriter, "available memory: %dKb\n", uint64(totalFree/mm.Kb))
}

// excludeRegion removes [start, end) from every usable memory map entry that
// overlaps it. If the region splits an entry in two, the larger piece is
// kept and excludeRegion returns the total size of the dropped pieces.
func excludeRegion(memMap []multiboot.MemoryMapEntry, start, end uint64) mm.Size {
	var dropped mm.Size
	for i := range memMap {
		entry := &memMap[i]
		if entry.Type != multiboot.MemAvailable || end <= entry.PhysAddress || start >= entry.End() {
			continue
		}

		var below, above uint64
		if start > entry.PhysAddress {
			below = start - entry.PhysAddress
		}
		if end < entry.End() {
			above = entry.End() - end
		}

		if above >= below {
			entry.PhysAddress, entry.Length = end, above
			dropped += mm.Size(below)
		} else {
			entry.Length = below
			dropped += mm.Size(above)
		}
	}

	return dropped
}

// clipMemoryMap truncates usable memory map entries so that none of them
// extends past limit and returns the number of usable bytes removed.
func clipMemoryMap(memMap []multiboot.MemoryMapEntry, limit uint64) mm.Size {
	var clipped uint64

	for i := range memMap {
		entry := &memMap[i]
		if entry.Type != multiboot.MemAvailable || entry.End() <= limit {
			continue
		}

		if entry.PhysAddress >= limit {
			clipped += entry.Length
			entry.Length = 0
			continue
		}

		clipped += entry.End() - limit
		entry.Length = limit - entry.PhysAddress
	}

	return mm.Size(clipped)
}
