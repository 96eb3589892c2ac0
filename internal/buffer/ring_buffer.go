// Package buffer keeps recent serial output for replay to new sessions.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// capacity bytes written to it. Older bytes are overwritten.
type RingBuffer struct {
	mu   sync.RWMutex
	data []byte
	head int // next write position
	size int
}

// NewRingBuffer creates a RingBuffer. A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if len(p) > capacity {
		p = p[len(p)-capacity:]
	}

	copied := copy(rb.data[rb.head:], p)
	if copied < len(p) {
		copy(rb.data, p[copied:])
	}
	rb.head = (rb.head + len(p)) % capacity
	rb.size = min(rb.size+len(p), capacity)
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	start := (rb.head - rb.size + len(rb.data)) % len(rb.data)
	copied := copy(out, rb.data[start:])
	if copied < rb.size {
		copy(out[copied:], rb.data[:rb.head])
	}
	return out
}

// Clear drops all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.size = 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}
