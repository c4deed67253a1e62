// Package kfmt implements the formatted output used by the kernel before (and
// after) a console is available. None of the functions in this package
// allocate memory.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is the size of the scratch buffer used for formatting integers.
// It fits a 64-bit value in base 8 plus a sign.
const numBufSize = 32

var (
	missingArg   = []byte("(MISSING)")
	wrongArgType = []byte("%!(WRONGTYPE)")
	noVerb       = []byte("%!(NOVERB)")
	extraArg     = []byte("%!(EXTRA)")
	trueValue    = []byte("true")
	falseValue   = []byte("false")

	numBuf [numBufSize]byte

	// oneByte passes single characters to emit without converting a
	// string slice to []byte, which would allocate.
	oneByte = []byte{0}

	// earlyPrintBuffer captures output while no sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. When nil, output is kept
	// in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink directs the output of Printf to w and replays any output that
// was buffered while no sink was attached.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// OutputSink returns the writer that Printf currently sends its output to. If
// no sink is attached, the early ring buffer is returned.
func OutputSink() io.Writer {
	if outputSink != nil {
		return outputSink
	}

	return &earlyPrintBuffer
}

// Printf writes a formatted string to the active output sink. It supports a
// subset of the fmt verbs:
//
//	%s  string or []byte
//	%d  base 10 integer, left-padded with spaces
//	%x  base 16 integer (lower case), left-padded with zeroes
//	%o  base 8 integer, left-padded with zeroes
//	%t  boolean
//	%%  a literal percent sign
//
// A decimal width may precede any verb. Strings shorter than the width are
// left-padded with spaces.
//
// Arguments are never checked for io.Stringer or error implementations and %p
// is not supported; both would require the reflect package and cause the
// compiler to emit allocating conversions for the argument list.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		i        int
	)

	for i < len(format) {
		if format[i] != '%' {
			emitByte(w, format[i])
			i++
			continue
		}

		// Parse the optional width and the verb that follows it.
		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			emit(w, noVerb)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case '%':
			emitByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			emit(w, noVerb)
			continue
		}

		if argIndex >= len(args) {
			emit(w, missingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, extraArg)
	}
}

// fmtBool writes "true" or "false" for boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		emit(w, wrongArgType)
	case b:
		emit(w, trueValue)
	default:
		emit(w, falseValue)
	}
}

// fmtString writes a string or []byte value, left-padding it with spaces up
// to width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		emitRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			emitByte(w, s[i])
		}
	case []byte:
		emitRepeat(w, ' ', width-len(s))
		emit(w, s)
	default:
		emit(w, wrongArgType)
	}
}

// fmtInt writes integer value v in the requested base. Base 10 values are
// left-padded with spaces and the sign is placed right before the first
// digit. Base 8 and 16 values are left-padded with zeroes.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, negative = signedMagnitude(int64(n))
	case int16:
		mag, negative = signedMagnitude(int64(n))
	case int32:
		mag, negative = signedMagnitude(int64(n))
	case int64:
		mag, negative = signedMagnitude(n)
	case int:
		mag, negative = signedMagnitude(int64(n))
	default:
		emit(w, wrongArgType)
		return
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	// Digits are produced right to left starting at the end of numBuf.
	pos := numBufSize
	for {
		pos--
		digit := byte(mag % base)
		if digit < 10 {
			numBuf[pos] = '0' + digit
		} else {
			numBuf[pos] = 'a' + digit - 10
		}

		if mag /= base; mag == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
		if negative {
			pos--
			numBuf[pos] = '-'
		}
	}

	for numBufSize-pos < width && pos > 0 {
		pos--
		numBuf[pos] = padCh
	}

	if negative && base != 10 && pos > 0 {
		pos--
		numBuf[pos] = '-'
	}

	emit(w, numBuf[pos:])
}

func signedMagnitude(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// emitRepeat writes ch count times.
func emitRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		emitByte(w, ch)
	}
}

func emitByte(w io.Writer, ch byte) {
	oneByte[0] = ch
	emit(w, oneByte)
}

// emit hides p from escape analysis before handing it to w. The compiler
// cannot prove that p does not escape through the io.Writer interface call
// and would otherwise move every Printf argument list to the heap.
func emit(w io.Writer, p []byte) {
	emitNoEscape(w, noEscape(unsafe.Pointer(&p)))
}

func emitNoEscape(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}

	earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
