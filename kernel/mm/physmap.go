package mm

var (
	// physMapOffset is the virtual address where physical address 0 is
	// mapped. It is 0 while the bootloader identity mapping is in use.
	physMapOffset uintptr
)

// SetPhysMapOffset sets the virtual address at which all physical memory is
// linearly mapped. The memory subsystem calls it once the boot map has been
// installed.
func SetPhysMapOffset(offset uintptr) {
	physMapOffset = offset
}

// PhysMapOffset returns the virtual address where physical address 0 is
// mapped.
func PhysMapOffset() uintptr {
	return physMapOffset
}

// PhysToVirt returns the virtual address through which the kernel can access
// the given physical address.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physMapOffset
}
