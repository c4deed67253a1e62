// Package vmm builds and mutates the 4-level amd64 page tables. A Mapper
// walks the tables of any address space given its root table and allocates
// missing intermediate tables from one of two sources: a bump region reserved
// while the boot map is constructed, and the buddy allocator afterwards.
// VirtualSpace wraps a root table and funnels all mapping changes through a
// Mapper.
package vmm

import (
	"firefly/kernel"
	"firefly/kernel/cpu"
	"firefly/kernel/kfmt"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// panicFn is used by tests to intercept fatal errors.
	panicFn = kfmt.Panic

	errEarlyRegionExhausted = &kernel.Error{Module: "vmm", Message: "early page table region exhausted"}
	errNoTablePage          = &kernel.Error{Module: "vmm", Message: "unable to allocate a page for a page table"}
	errNoEarlyRegion        = &kernel.Error{Module: "vmm", Message: "no usable memory region is large enough to host the early page table region"}
	errBootMapExists        = &kernel.Error{Module: "vmm", Message: "boot map has already been established"}
	errSourceSwitched       = &kernel.Error{Module: "vmm", Message: "page tables are already allocated from the physical allocator"}
	errNoPhysicalAllocator  = &kernel.Error{Module: "vmm", Message: "no physical allocator supplied for page table allocations"}
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrRemapPresent is returned when trying to map a virtual address that
	// is already mapped to a different physical frame.
	ErrRemapPresent = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped to a different frame"}

	// ErrHugePage is returned when a page table walk encounters a huge page
	// entry.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// SetFlushTLBEntryFn replaces the function that invalidates the TLB entry of
// a page after its mapping changes and returns the previous one. Callers that
// drive the mapper outside of ring 0 must install a function that does not
// execute privileged instructions.
func SetFlushTLBEntryFn(fn func(uintptr)) func(uintptr) {
	prev := flushTLBEntryFn
	flushTLBEntryFn = fn
	return prev
}
