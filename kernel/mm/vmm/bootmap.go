package vmm

import (
	"firefly/kernel"
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/kfmt"
	"firefly/kernel/mm"
	"firefly/kernel/mm/pmm"
)

// BootMapConfig describes the boot map established by BootMapExtraRegion.
type BootMapConfig struct {
	// EarlyRegionSize is the size of the region reserved for page tables
	// allocated before the switch to the physical allocator.
	EarlyRegionSize mm.Size

	// MapSize bytes of physical memory starting at address 0 are mapped
	// at the virtual address MapOffset.
	MapSize   mm.Size
	MapOffset uintptr
}

// RegionReserver is implemented by allocators that must stop handing out the
// frames of the early page table region.
type RegionReserver interface {
	ReserveRegion(base uintptr, size mm.Size)
}

// BootMapExtraRegion reserves the early page table region from the first
// usable memory map entry that can fit it, shrinks that entry by the reserved
// amount and flags the region as used in reserver (if not nil). It then maps
// the first cfg.MapSize bytes of physical memory at cfg.MapOffset in the
// address space whose top-level table is located at root. Page tables for the
// boot map are allocated from the early region.
//
// BootMapExtraRegion must be called once, before SwitchToPhysical.
func (m *Mapper) BootMapExtraRegion(memMap []multiboot.MemoryMapEntry, root uintptr, cfg BootMapConfig, reserver RegionReserver) *kernel.Error {
	m.lock.Acquire()
	err := m.bootMap(memMap, root, cfg, reserver)
	m.lock.Release()
	return err
}

func (m *Mapper) bootMap(memMap []multiboot.MemoryMapEntry, root uintptr, cfg BootMapConfig, reserver RegionReserver) *kernel.Error {
	if m.tables.source != EarlyBump {
		return errSourceSwitched
	}

	if m.tables.earlyEnd != 0 {
		return errBootMapExists
	}

	regionSize := mm.Size(mm.AlignUp(uintptr(cfg.EarlyRegionSize), mm.PageSize))
	regionAddr, ok := pmm.CarveRegion(memMap, regionSize)
	if !ok {
		return errNoEarlyRegion
	}

	if reserver != nil {
		reserver.ReserveRegion(regionAddr, regionSize)
	}
	m.tables.setEarlyRegion(regionAddr, regionSize)

	kfmt.Printf("[vmm] early page table region: %d KiB at 0x%x\n", uint64(regionSize/mm.Kb), regionAddr)

	pageCount := cfg.MapSize.Pages()
	for page, physAddr := uint64(0), uintptr(0); page < pageCount; page, physAddr = page+1, physAddr+mm.PageSize {
		if err := m.mapPage(cfg.MapOffset+physAddr, physAddr, ReadWrite, root); err != nil {
			return err
		}
	}

	kfmt.Printf("[vmm] boot map: %d pages at 0x%x using %d page tables\n", pageCount, cfg.MapOffset, m.tables.allocated[EarlyBump])
	return nil
}

// SwitchToPhysical makes alloc the source for all page tables allocated from
// now on. The switch happens exactly once; subsequent calls return an error.
func (m *Mapper) SwitchToPhysical(alloc PhysicalAllocator) *kernel.Error {
	if alloc == nil {
		return errNoPhysicalAllocator
	}

	m.lock.Acquire()
	if m.tables.source == BuddyBacked {
		m.lock.Release()
		return errSourceSwitched
	}

	m.tables.physical = alloc
	m.tables.source = BuddyBacked
	earlyUsed := m.tables.earlyNext - m.tables.earlyBase
	m.lock.Release()

	kfmt.Printf("[vmm] page tables now allocated from the %s (%d KiB of the early region used)\n", BuddyBacked.String(), uint64(earlyUsed>>10))
	return nil
}
