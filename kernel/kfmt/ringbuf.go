package kfmt

import "io"

// ringBufferSize defines the size of a RingBuffer. Its default size is
// selected so it can buffer the contents of a standard 80*25 text-mode
// console. The ring buffer size must always be a power of 2.
const ringBufferSize = 2048

// RingBuffer is a fixed-size byte queue that overwrites its oldest contents
// when full. It captures Printf output before the console is attached and
// queues keystrokes for the console device.
type RingBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the RingBuffer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *RingBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Reset discards any unread bytes.
func (rb *RingBuffer) Reset() {
	rb.rIndex, rb.wIndex = 0, 0
}

// Read reads up to len(p) bytes into p. It returns io.EOF when the buffer is
// empty.
func (rb *RingBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		n = rb.wIndex - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}

		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n

		return n, nil
	case rb.rIndex > rb.wIndex:
		// Read up to the end of the backing array; the remainder is
		// returned by the next call.
		n = len(rb.buffer) - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}

		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n

		if rb.rIndex == len(rb.buffer) {
			rb.rIndex = 0
		}

		return n, nil
	default:
		return 0, io.EOF
	}
}
