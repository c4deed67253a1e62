package kfmt

import "io"

// PrefixWriter is an io.Writer that forwards writes to Sink and inserts Prefix
// at the beginning of every line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last forwarded byte was not a newline.
	midLine bool
}

// Write forwards p to the sink, emitting the prefix before the first byte of
// each line. The returned byte count does not include any injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for lineStart < len(p) {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineEnd := lineStart
		for lineEnd < len(p) && p[lineEnd] != '\n' {
			lineEnd++
		}

		if lineEnd < len(p) {
			// include the newline
			lineEnd++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[lineStart:lineEnd])
		written += n
		if err != nil {
			return written, err
		}

		lineStart = lineEnd
	}

	return written, nil
}
