package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// Memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for pageCount := uint32(1); pageCount <= 10; pageCount++ {
		buf := make([]byte, 4096*pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		addr := uintptr(unsafe.Pointer(&buf[0]))
		Memset(addr, 0x00, uintptr(len(buf)))

		for i := 0; i < len(buf); i++ {
			if got := buf[i]; got != 0x00 {
				t.Errorf("[block with %d pages] expected byte: %d to be 0x00; got 0x%x", pageCount, i, got)
			}
		}
	}
}

func TestMemsetPartialRegion(t *testing.T) {
	buf := make([]byte, 64)
	Memset(uintptr(unsafe.Pointer(&buf[8])), 0xAA, 13)

	for i, got := range buf {
		exp := byte(0)
		if i >= 8 && i < 8+13 {
			exp = 0xAA
		}

		if got != exp {
			t.Errorf("expected byte %d to be 0x%x; got 0x%x", i, exp, got)
		}
	}
}
