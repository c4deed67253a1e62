package pmm

import (
	"math/bits"
	"reflect"
	"unsafe"
)

// frameBitmap tracks one bit per physical frame. A set bit means that the
// frame is unavailable, either because it is reserved by the firmware or
// because it has been allocated.
type frameBitmap struct {
	words    []uint64
	wordsHdr reflect.SliceHeader

	// frameCount is the number of frames covered by the bitmap. Bits past
	// frameCount in the last word are kept set.
	frameCount uint64
}

// overlay points the bitmap at wordCount uint64 values starting at the
// given virtual address.
func (b *frameBitmap) overlay(addr uintptr, wordCount int, frameCount uint64) {
	b.wordsHdr.Data = addr
	b.wordsHdr.Len = wordCount
	b.wordsHdr.Cap = wordCount
	b.words = *(*[]uint64)(unsafe.Pointer(&b.wordsHdr))
	b.frameCount = frameCount
}

// relocate points the bitmap words at a new virtual address that maps the
// same physical memory.
func (b *frameBitmap) relocate(addr uintptr) {
	b.overlay(addr, b.wordsHdr.Len, b.frameCount)
}

// setAll flags every frame as unavailable.
func (b *frameBitmap) setAll() {
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
}

// isSet returns true if the frame is unavailable. Frames outside the bitmap
// are always reported as unavailable.
func (b *frameBitmap) isSet(frame uint64) bool {
	if frame >= b.frameCount {
		return true
	}

	return b.words[frame>>6]&(1<<(frame&63)) != 0
}

// set flags frame as unavailable. It returns false if the frame is not
// covered by the bitmap.
func (b *frameBitmap) set(frame uint64) bool {
	if frame >= b.frameCount {
		return false
	}

	b.words[frame>>6] |= 1 << (frame & 63)
	return true
}

// clear flags frame as available. It returns false if the frame is not
// covered by the bitmap or if it is already clear.
func (b *frameBitmap) clear(frame uint64) bool {
	if frame >= b.frameCount {
		return false
	}

	mask := uint64(1) << (frame & 63)
	if b.words[frame>>6]&mask == 0 {
		return false
	}

	b.words[frame>>6] &^= mask
	return true
}

// findFirstClear returns the lowest clear frame that is >= from. Fully
// allocated words are skipped without examining individual bits.
func (b *frameBitmap) findFirstClear(from uint64) (uint64, bool) {
	if from >= b.frameCount {
		return 0, false
	}

	wordIndex := from >> 6
	// Treat the bits below from as set
	word := b.words[wordIndex] | (1<<(from&63) - 1)

	for {
		if word != ^uint64(0) {
			frame := wordIndex<<6 + uint64(bits.TrailingZeros64(^word))
			if frame >= b.frameCount {
				return 0, false
			}
			return frame, true
		}

		if wordIndex++; wordIndex >= uint64(len(b.words)) {
			return 0, false
		}
		word = b.words[wordIndex]
	}
}

// findClearRun returns the first frame of a run of count consecutive clear
// frames that starts at or after from.
func (b *frameBitmap) findClearRun(from, count uint64) (uint64, bool) {
	for {
		start, ok := b.findFirstClear(from)
		if !ok {
			return 0, false
		}

		end := start + 1
		for ; end-start < count && end < b.frameCount && !b.isSet(end); end++ {
		}

		if end-start == count {
			return start, true
		}

		from = end
	}
}
