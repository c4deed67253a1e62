// Package cpu exposes the privileged amd64 instructions used by the memory
// subsystem. All functions are implemented in assembly and fault if invoked
// outside ring 0.
package cpu

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry invalidates the TLB entry for a particular virtual address on
// the local processor.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the physical address of a root page table into CR3. Writing
// CR3 flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active root page
// table.
func ActivePDT() uintptr
