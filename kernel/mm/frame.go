// Package mm defines the types shared by the physical and virtual memory
// managers: frames, pages, sizes and the direct physical memory map.
package mm

import "math"

// Frame describes a physical memory page index. Frame 0 is never handed out
// by any allocator as its address collides with the nil sentinel.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Unaligned addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(AlignDown(physAddr, PageSize) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Unaligned addresses are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(AlignDown(virtAddr, PageSize) >> PageShift)
}

// AlignUp rounds v up to the nearest multiple of n which must be a power of 2.
func AlignUp(v, n uintptr) uintptr {
	return (v + (n - 1)) &^ (n - 1)
}

// AlignDown rounds v down to the nearest multiple of n which must be a power
// of 2.
func AlignDown(v, n uintptr) uintptr {
	return v &^ (n - 1)
}
