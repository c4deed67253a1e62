package pmm

import (
	"firefly/kernel"
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/mm"
	"runtime"
	"testing"
	"unsafe"
)

// withFakePhysMem backs the physical address range [base, base+size) with a
// Go buffer by pointing the direct physical map at it.
func withFakePhysMem(t *testing.T, base, size uintptr) []byte {
	buf := make([]byte, size)
	mm.SetPhysMapOffset(uintptr(unsafe.Pointer(&buf[0])) - base)
	t.Cleanup(func() {
		mm.SetPhysMapOffset(0)
		runtime.KeepAlive(buf)
	})

	return buf
}

// mockPanicFn replaces panicFn with a function that raises a Go panic so that
// tests can recover fatal allocator errors.
func mockPanicFn(t *testing.T) {
	origPanicFn := panicFn
	panicFn = func(e interface{}) { panic(e) }
	t.Cleanup(func() { panicFn = origPanicFn })
}

func expectFatal(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	var got interface{}
	func() {
		defer func() { got = recover() }()
		fn()
	}()

	if got != expErr {
		t.Fatalf("expected a fatal error %v; got %v", expErr, got)
	}
}

func memMapEntry(base, length uint64, memType multiboot.MemoryEntryType) multiboot.MemoryMapEntry {
	return multiboot.MemoryMapEntry{PhysAddress: base, Length: length, Type: memType}
}
