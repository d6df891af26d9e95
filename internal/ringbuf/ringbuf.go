// Package ringbuf provides a fixed-capacity buffer of recent values.
package ringbuf

import (
	"sync"
)

// RingBuffer keeps the most recent values added to it, up to a fixed capacity.
// Once full, each Add overwrites the oldest value. It's safe for concurrent use.
type RingBuffer[T any] struct {
	mtx  sync.Mutex
	vals []T // allocated once, len == capacity
	next int // slot for the next Add
	size int // number of live values
}

// New returns an empty ring buffer with the given capacity. A capacity less
// than 1 is treated as 1.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		vals: make([]T, capacity),
	}
}

// Add stores val as the newest value. If the buffer was full, the evicted
// oldest value is returned along with true.
func (rb *RingBuffer[T]) Add(val T) (evicted T, ok bool) {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	if rb.size == len(rb.vals) {
		evicted, ok = rb.vals[rb.next], true
	} else {
		rb.size++
	}

	rb.vals[rb.next] = val
	rb.next = (rb.next + 1) % len(rb.vals)

	return evicted, ok
}

// Walk calls fn for each value, newest first. It stops at the first non-nil
// error from fn and returns it. The buffer is locked for the whole walk, so fn
// must not call back into the buffer.
func (rb *RingBuffer[T]) Walk(fn func(T) error) error {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	for i := 1; i <= rb.size; i++ {
		idx := (rb.next - i + len(rb.vals)) % len(rb.vals)
		if err := fn(rb.vals[idx]); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of values currently stored.
func (rb *RingBuffer[T]) Len() int {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()
	return rb.size
}

// Cap returns the maximum number of values the buffer will hold.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.vals) // immutable
}
