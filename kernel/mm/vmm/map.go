package vmm

import (
	"firefly/kernel"
	"firefly/kernel/mm"
	"firefly/kernel/sync"
)

// Mapper installs and removes page mappings in the page tables of any
// address space. Missing intermediate tables are allocated on demand from
// the mapper's current table source and are never freed. All methods are
// safe for concurrent use.
type Mapper struct {
	lock   sync.Spinlock
	tables tableAllocator
}

// Map establishes a mapping between the page that contains virtAddr and the
// frame that contains physAddr in the address space whose top-level table is
// located at root. The Present flag is always added to flags.
//
// Mapping a page to the frame it is already mapped to replaces the entry
// flags. If the page is mapped to a different frame, Map returns
// ErrRemapPresent and leaves the existing mapping intact; callers must Unmap
// the page first.
func (m *Mapper) Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag, root uintptr) *kernel.Error {
	m.lock.Acquire()
	err := m.mapPage(virtAddr, physAddr, flags, root)
	m.lock.Release()
	return err
}

// MapRange maps size bytes of physical memory starting at physAddr to the
// virtual region that starts at virtAddr. The size is rounded up to a multiple
// of the page size. MapRange stops at the first page that cannot be mapped.
func (m *Mapper) MapRange(virtAddr, physAddr uintptr, size mm.Size, flags PageTableEntryFlag, root uintptr) *kernel.Error {
	var err *kernel.Error

	m.lock.Acquire()
	for pageCount := size.Pages(); pageCount > 0 && err == nil; pageCount-- {
		err = m.mapPage(virtAddr, physAddr, flags, root)
		virtAddr, physAddr = virtAddr+mm.PageSize, physAddr+mm.PageSize
	}
	m.lock.Release()

	return err
}

func (m *Mapper) mapPage(virtAddr, physAddr uintptr, flags PageTableEntryFlag, root uintptr) *kernel.Error {
	var (
		err   *kernel.Error
		page  = mm.PageFromAddress(virtAddr)
		frame = mm.FrameFromAddress(physAddr)
	)

	walk(root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) && pte.Frame() != frame {
				err = ErrRemapPresent
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table does not yet exist; allocate a zeroed page from
		// the current table source and link it in
		if !pte.HasFlags(FlagPresent) {
			tableAddr := m.tables.alloc()
			if tableAddr == 0 {
				err = errNoTablePage
				return false
			}

			*pte = 0
			pte.SetFrame(mm.FrameFromAddress(tableAddr))
			pte.SetFlags(FlagPresent | FlagRW)
		} else if pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			return false
		}

		// The CPU checks the user bit at every level
		if flags&FlagUserAccessible != 0 {
			pte.SetFlags(FlagUserAccessible)
		}

		return true
	})

	return err
}

// Unmap removes the mapping for the page that contains virtAddr and flushes
// its TLB entry. Page tables that become empty are kept. Unmap returns
// ErrInvalidMapping if the page is not mapped.
func (m *Mapper) Unmap(virtAddr, root uintptr) *kernel.Error {
	var (
		err  *kernel.Error
		page = mm.PageFromAddress(virtAddr)
	)

	m.lock.Acquire()
	walk(root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			return false
		}

		return true
	})
	m.lock.Release()

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address in the address space whose top-level table is located at
// root, or ErrInvalidMapping if the virtual address is not mapped.
func (m *Mapper) Translate(virtAddr, root uintptr) (uintptr, *kernel.Error) {
	var (
		err   *kernel.Error
		frame mm.Frame
	)

	m.lock.Acquire()
	walk(root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			return false
		}

		frame = pte.Frame()
		return true
	})
	m.lock.Release()

	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + PageOffset(virtAddr), nil
}

// Source returns the allocator that currently backs new page tables.
func (m *Mapper) Source() TableSource {
	m.lock.Acquire()
	source := m.tables.source
	m.lock.Release()
	return source
}

// TablesAllocated returns the number of page tables that have been allocated
// from the given source.
func (m *Mapper) TablesAllocated(source TableSource) uint64 {
	if source > BuddyBacked {
		return 0
	}

	m.lock.Acquire()
	count := m.tables.allocated[source]
	m.lock.Release()
	return count
}

// EarlyRegion returns the physical address and size of the region that backs
// page tables allocated before the switch to the physical allocator.
func (m *Mapper) EarlyRegion() (uintptr, mm.Size) {
	m.lock.Acquire()
	base, size := m.tables.earlyBase, mm.Size(m.tables.earlyEnd-m.tables.earlyBase)
	m.lock.Release()
	return base, size
}
