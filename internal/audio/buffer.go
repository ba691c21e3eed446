package audio

import (
	"io"
	"sync"
)

// RingBuffer is a bounded, thread-safe byte FIFO for decoded audio.
// Writers never block: bytes that do not fit are dropped. Readers block
// until data is available or the buffer is closed.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond
}

// NewRingBuffer creates a new ring buffer holding up to size bytes
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = PCMFrameBytes
	}
	rb := &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Write copies as much of data as fits into the buffer and returns the
// number of bytes accepted. Writes after Close accept nothing.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return 0
	}

	n := len(data)
	if free := rb.size - rb.count; n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		rb.buffer[(rb.read+rb.count)%rb.size] = data[i]
		rb.count++
	}
	if n > 0 {
		rb.cond.Broadcast()
	}
	return n
}

// Read implements io.Reader. It blocks until at least one byte is available
// and returns io.EOF once the buffer is closed and drained.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := len(p)
	if n > rb.count {
		n = rb.count
	}
	for i := 0; i < n; i++ {
		p[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
	}
	rb.count -= n
	return n, nil
}

// Close wakes blocked readers. Buffered bytes remain readable.
func (rb *RingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.closed = true
	rb.cond.Broadcast()
	return nil
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size - rb.count
}

// Clear discards all buffered bytes
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.count = 0
}

// IsClosed reports whether Close has been called
func (rb *RingBuffer) IsClosed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}
