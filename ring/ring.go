// Package ring implements a lock-free single-producer/single-consumer
// circular queue of copy-type elements. Capacity is always a power of
// two so that the wrap-around index can be computed with a mask instead
// of a modulo.
//
// Ring is the in-process flavor, used for instance to bridge a driver's
// reader goroutine into the cooperative scheduler thread. Shared, in
// shared.go, is the byte-oriented variant meant to be placed in a memory
// region mapped by two separate processes.
package ring

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Ring is a single-producer/single-consumer circular queue.
//
// The producer is the sole writer of tail; the consumer is the sole
// writer of head. Both are read by the other side, so they are plain
// atomics even though the ring never leaves one process: it is the
// contract the shared-memory variant also has to uphold, and sharing the
// same discipline here keeps the two implementations honest.
type Ring[T any] struct {
	capacity uint64
	mask     uint64
	buf      []T

	head atomic.Uint64 // consumer-owned
	tail atomic.Uint64 // producer-owned
}

// New creates a ring with the given power-of-two capacity.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	return &Ring[T]{
		capacity: uint64(capacity),
		mask:     uint64(capacity - 1),
		buf:      make([]T, capacity),
	}, nil
}

// Capacity returns the ring's fixed capacity.
func (r *Ring[T]) Capacity() int { return int(r.capacity) }

// IsEmpty reports whether the ring currently holds no messages.
func (r *Ring[T]) IsEmpty() bool {
	return r.head.Load() == r.tail.Load()
}

// IsFull reports whether the ring currently holds Capacity() messages.
func (r *Ring[T]) IsFull() bool {
	return r.tail.Load()-r.head.Load() == r.capacity
}

// TryEnqueue attempts to push v without blocking. It returns false if the
// ring is full.
func (r *Ring[T]) TryEnqueue(v T) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head == r.capacity {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// TryDequeue attempts to pop a value without blocking. It returns false
// if the ring is empty.
func (r *Ring[T]) TryDequeue() (T, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		var zero T
		return zero, false
	}
	v := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return v, true
}

// Enqueue pushes v, spinning until the consumer makes room.
func (r *Ring[T]) Enqueue(v T) {
	for !r.TryEnqueue(v) {
		runtime.Gosched()
	}
}

// Dequeue pops a value, spinning until the producer supplies one.
func (r *Ring[T]) Dequeue() T {
	for {
		if v, ok := r.TryDequeue(); ok {
			return v
		}
		runtime.Gosched()
	}
}
