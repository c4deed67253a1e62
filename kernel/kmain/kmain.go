package kmain

import (
	"firefly/kernel"
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/kfmt"
	"firefly/kernel/mm/memsys"
)

var (
	// memSubsystem owns all physical and virtual memory state of the
	// kernel.
	memSubsystem memsys.Subsystem

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// cmdLineValueFn and memoryMapFn are mocked by tests.
	cmdLineValueFn = multiboot.CmdLineValue
	memoryMapFn    = multiboot.MemoryMap

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMemoryMap   = &kernel.Error{Module: "kmain", Message: "bootloader did not provide a usable memory map"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	cfg := memsys.ConfigFromCmdLine(cmdLineValueFn)
	kfmt.Printf("[kmain] boot command line: %s\n", multiboot.CmdLine())

	memMap := memoryMapFn()
	if len(memMap) == 0 {
		panicFn(errNoMemoryMap)
		return
	}

	if err := memSubsystem.Init(memMap, kernelStart, kernelEnd, cfg); err != nil {
		panicFn(err)
		return
	}

	// Construct the kernel address space before any other subsystem
	// asks for it
	_ = memSubsystem.KernelSpace()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
