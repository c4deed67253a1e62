package vmm

import (
	"firefly/kernel"
	"firefly/kernel/kfmt"
	"firefly/kernel/mm"
)

// Space is implemented by address spaces that accept mapping requests.
type Space interface {
	Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error
	Unmap(virtAddr uintptr) *kernel.Error
	MapRange(virtAddr, physAddr uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error
}

// VirtualSpace is an address space described by the physical address of its
// top-level page table. All changes to its mappings go through the Mapper it
// was initialized with.
type VirtualSpace struct {
	root   uintptr
	mapper *Mapper
}

// Init binds the space to the top-level table at root. Mapping requests are
// served by mapper.
func (vs *VirtualSpace) Init(root uintptr, mapper *Mapper) {
	vs.root = root
	vs.mapper = mapper
}

// Root returns the physical address of the space's top-level page table.
func (vs *VirtualSpace) Root() uintptr {
	return vs.root
}

// Map maps the page that contains virtAddr to the frame that contains
// physAddr.
func (vs *VirtualSpace) Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	return vs.mapper.Map(virtAddr, physAddr, flags, vs.root)
}

// Unmap removes the mapping for the page that contains virtAddr.
func (vs *VirtualSpace) Unmap(virtAddr uintptr) *kernel.Error {
	return vs.mapper.Unmap(virtAddr, vs.root)
}

// MapRange maps size bytes of contiguous physical memory starting at physAddr
// to the region starting at virtAddr.
func (vs *VirtualSpace) MapRange(virtAddr, physAddr uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	return vs.mapper.MapRange(virtAddr, physAddr, size, flags, vs.root)
}

// Translate returns the physical address that virtAddr maps to.
func (vs *VirtualSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return vs.mapper.Translate(virtAddr, vs.root)
}

// Activate loads the space's top-level table into the MMU and flushes the
// TLB.
func (vs *VirtualSpace) Activate() {
	switchPDTFn(vs.root)
}

// UserSpace is the address space of a user task. User mode is not supported
// yet; its operations are accepted, logged and ignored.
type UserSpace struct {
	root uintptr
}

// NewUserSpace returns a user space whose top-level table is located at root.
func NewUserSpace(root uintptr) UserSpace {
	return UserSpace{root: root}
}

// Root returns the physical address of the space's top-level page table.
func (us *UserSpace) Root() uintptr {
	return us.root
}

// Map is a stub.
func (us *UserSpace) Map(_, _ uintptr, _ PageTableEntryFlag) *kernel.Error {
	kfmt.Printf("[vmm] user space: map() is a stub\n")
	return nil
}

// Unmap is a stub.
func (us *UserSpace) Unmap(_ uintptr) *kernel.Error {
	kfmt.Printf("[vmm] user space: unmap() is a stub\n")
	return nil
}

// MapRange is a stub.
func (us *UserSpace) MapRange(_, _ uintptr, _ mm.Size, _ PageTableEntryFlag) *kernel.Error {
	kfmt.Printf("[vmm] user space: map range() is a stub\n")
	return nil
}
