package vmm

import (
	"firefly/kernel"
	"firefly/kernel/mm"
	"firefly/kernel/mm/pmm"
)

// TableSource identifies the allocator that backs newly created page tables.
type TableSource uint8

const (
	// EarlyBump hands out pages from the region reserved by
	// BootMapExtraRegion.
	EarlyBump TableSource = iota

	// BuddyBacked requests zeroed pages from the physical allocator.
	BuddyBacked
)

// String implements fmt.Stringer for TableSource.
func (s TableSource) String() string {
	switch s {
	case EarlyBump:
		return "early bump region"
	case BuddyBacked:
		return "physical allocator"
	default:
		return "unknown"
	}
}

// PhysicalAllocator is implemented by the allocator that backs page tables
// once the mapper switches to BuddyBacked.
type PhysicalAllocator interface {
	MustAllocate(size mm.Size, fill pmm.FillMode) uintptr
}

// tableAllocator hands out zeroed pages for new page tables from its current
// source. The source starts as EarlyBump and is switched exactly once.
type tableAllocator struct {
	source TableSource

	// [earlyBase, earlyEnd) is the early region; earlyNext is the next
	// page to hand out.
	earlyBase, earlyNext, earlyEnd uintptr

	physical PhysicalAllocator

	// allocated counts the tables handed out by each source.
	allocated [BuddyBacked + 1]uint64
}

func (ta *tableAllocator) setEarlyRegion(base uintptr, size mm.Size) {
	ta.earlyBase = base
	ta.earlyNext = base
	ta.earlyEnd = base + uintptr(size)
}

// alloc returns the physical address of a zeroed page for a new table or 0
// if the current source cannot supply one.
func (ta *tableAllocator) alloc() uintptr {
	var addr uintptr

	switch ta.source {
	case BuddyBacked:
		if addr = ta.physical.MustAllocate(mm.Size(mm.PageSize), pmm.FillZero); addr == 0 {
			return 0
		}
	default:
		if ta.earlyNext >= ta.earlyEnd {
			panicFn(errEarlyRegionExhausted)
			return 0
		}

		addr = ta.earlyNext
		ta.earlyNext += mm.PageSize
		kernel.Memset(mm.PhysToVirt(addr), 0, mm.PageSize)
	}

	ta.allocated[ta.source]++
	return addr
}
