package pmm

import (
	"testing"
	"unsafe"
)

func newTestBitmap(frameCount uint64) *frameBitmap {
	words := make([]uint64, (frameCount+63)/64)
	b := &frameBitmap{}
	b.overlay(uintptr(unsafe.Pointer(&words[0])), len(words), frameCount)
	b.setAll()
	return b
}

func TestBitmapSetAndClear(t *testing.T) {
	b := newTestBitmap(130)

	for frame := uint64(0); frame < 130; frame++ {
		if !b.isSet(frame) {
			t.Fatalf("expected frame %d to be set after setAll", frame)
		}
	}

	specs := []struct {
		frame    uint64
		expClear bool
	}{
		{0, true},
		{63, true},
		{64, true},
		{129, true},
		// already clear
		{64, false},
		// out of range
		{130, false},
		{1 << 40, false},
	}

	for specIndex, spec := range specs {
		if got := b.clear(spec.frame); got != spec.expClear {
			t.Errorf("[spec %d] expected clear(%d) to return %t; got %t", specIndex, spec.frame, spec.expClear, got)
		}
	}

	if b.isSet(64) {
		t.Error("expected frame 64 to be clear")
	}

	if !b.set(64) || !b.isSet(64) {
		t.Error("expected set(64) to flag the frame as unavailable")
	}

	if b.set(130) {
		t.Error("expected set to fail for a frame outside the bitmap")
	}

	if !b.isSet(1000) {
		t.Error("expected frames outside the bitmap to be reported as set")
	}
}

func TestBitmapFindFirstClear(t *testing.T) {
	b := newTestBitmap(200)

	if _, ok := b.findFirstClear(0); ok {
		t.Fatal("expected findFirstClear to fail on a full bitmap")
	}

	b.clear(5)
	b.clear(70)
	b.clear(199)

	specs := []struct {
		from     uint64
		expFrame uint64
		expOK    bool
	}{
		{0, 5, true},
		{5, 5, true},
		{6, 70, true},
		{71, 199, true},
		{199, 199, true},
		{200, 0, false},
	}

	for specIndex, spec := range specs {
		frame, ok := b.findFirstClear(spec.from)
		if ok != spec.expOK || frame != spec.expFrame {
			t.Errorf("[spec %d] expected findFirstClear(%d) to return (%d, %t); got (%d, %t)", specIndex, spec.from, spec.expFrame, spec.expOK, frame, ok)
		}
	}
}

func TestBitmapFindFirstClearIgnoresPadding(t *testing.T) {
	b := newTestBitmap(10)

	// Clear the padding bits past frameCount in the last word
	padding := ^uint64(0)
	b.words[0] &^= padding << 10

	if frame, ok := b.findFirstClear(0); ok {
		t.Fatalf("expected padding bits to be ignored; got frame %d", frame)
	}
}

func TestBitmapFindClearRun(t *testing.T) {
	b := newTestBitmap(256)

	for _, frame := range []uint64{3, 4, 10, 11, 12, 13, 62, 63, 64, 65, 66, 67, 68, 69} {
		b.clear(frame)
	}

	specs := []struct {
		from, count uint64
		expStart    uint64
		expOK       bool
	}{
		{0, 1, 3, true},
		{0, 2, 3, true},
		{0, 3, 10, true},
		{0, 4, 10, true},
		{0, 5, 62, true},
		{0, 8, 62, true},
		{11, 2, 11, true},
		{0, 9, 0, false},
	}

	for specIndex, spec := range specs {
		start, ok := b.findClearRun(spec.from, spec.count)
		if ok != spec.expOK || start != spec.expStart {
			t.Errorf("[spec %d] expected findClearRun(%d, %d) to return (%d, %t); got (%d, %t)", specIndex, spec.from, spec.count, spec.expStart, spec.expOK, start, ok)
		}
	}
}
