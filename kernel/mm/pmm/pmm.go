// Package pmm implements the physical memory allocators: a bitmap based
// primary allocator that owns the ground-truth frame map and serves
// bootstrap-era callers, and a buddy allocator that serves the rest of the
// kernel once the boot sequence completes.
package pmm

import (
	"firefly/kernel"
	"firefly/kernel/kfmt"
)

var (
	// panicFn is used by tests to intercept fatal allocator errors. It is
	// automatically inlined by the compiler.
	panicFn = kfmt.Panic

	errNoUsableMemory   = &kernel.Error{Module: "pmm", Message: "firmware memory map does not contain any usable memory"}
	errNoBitmapHost     = &kernel.Error{Module: "pmm", Message: "no usable memory region is large enough to host the frame bitmap"}
	errBitmapClear      = &kernel.Error{Module: "pmm", Message: "unable to mark usable frame as free"}
	errNoResultArena    = &kernel.Error{Module: "pmm", Message: "no free frames left for the allocation result arena"}
	errArenaExhausted   = &kernel.Error{Module: "pmm", Message: "allocation result arena exhausted"}
	errInvalidFree      = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is not allocated"}
	errResultRetired    = &kernel.Error{Module: "pmm", Message: "allocation result has already been released"}
	errNoBuddyMetadata  = &kernel.Error{Module: "pmm", Message: "no free frames left for the buddy allocator metadata"}
	errInvalidBlockFree = &kernel.Error{Module: "pmm", Message: "attempt to free an address that is not an allocated block"}

	// ErrOutOfMemory is returned (or raised as a fatal error by the Must*
	// variants) when an allocator has no free memory left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrRequestTooLarge is returned by PrimaryAllocator.Allocate when more
	// than MaxAllocationFrames frames are requested in a single call.
	ErrRequestTooLarge = &kernel.Error{Module: "pmm", Message: "allocation request exceeds the per-call frame limit"}

	// ErrInvalidSize is returned by BuddyAllocator.Allocate for zero sized
	// requests or requests larger than the largest block.
	ErrInvalidSize = &kernel.Error{Module: "pmm", Message: "invalid allocation size"}
)
