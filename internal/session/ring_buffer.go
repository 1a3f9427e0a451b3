package session

import "sync"

// RingBuffer keeps the most recent output events of a session so that a
// subscriber joining mid-stream can replay them.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []OutputEvent
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]OutputEvent, capacity),
		capacity: capacity,
	}
}

// Write adds an event, overwriting the oldest one when full.
func (rb *RingBuffer) Write(event OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns the buffered events oldest first.
func (rb *RingBuffer) ReadAll() []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]OutputEvent, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]OutputEvent, rb.capacity)
	n := copy(result, rb.buf[rb.pos:])
	copy(result[n:], rb.buf[:rb.pos])
	return result
}
