package kfmt

import "io"

// ringBufferSize is the capacity of the buffer that captures Printf output
// before an output sink is attached. It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer is a fixed-size byte queue. When full, new writes overwrite the
// oldest unread bytes.
type ringBuffer struct {
	buffer     [ringBufferSize]byte
	head, tail int
}

// Write appends p to the buffer, discarding the oldest bytes if needed. It
// never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.tail] = b
		rb.tail = (rb.tail + 1) & (ringBufferSize - 1)
		if rb.tail == rb.head {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read copies up to len(p) unread bytes into p. It returns io.EOF when the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.head == rb.tail {
		return 0, io.EOF
	}

	// Read the contiguous chunk that starts at head; a wrapped buffer is
	// drained by the next call.
	end := rb.tail
	if rb.head > rb.tail {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.head:end])
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	return n, nil
}
