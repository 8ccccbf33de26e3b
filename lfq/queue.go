// Package lfq provides the lock-free glue containers of the library: a
// multi-producer multi-consumer FIFO queue and an RCU double-ended
// queue with coherent forward and backward traversal. Both are used by
// the stress harness and as building blocks in tests.
package lfq

import (
	"errors"
	"sync/atomic"

	"github.com/loveCupid/urcu/rcu"
)

// ErrNotEmpty is returned by Destroy when elements are still queued.
var ErrNotEmpty = errors.New("lfq: queue not empty")

type qnode[T any] struct {
	v    T
	next atomic.Pointer[qnode[T]]
}

// Queue is a lock-free FIFO. Enqueue and dequeue may run concurrently
// from any number of goroutines; per-element ordering follows the
// linearization of the tail and head updates. Head and tail are kept
// separate so producers and consumers do not contend on the same word.
type Queue[T any] struct {
	head   atomic.Pointer[qnode[T]]
	tail   atomic.Pointer[qnode[T]]
	flavor rcu.Flavor
}

// NewQueue creates an empty queue. The flavor defers the release of
// values displaced from the internal dummy node, so a consumer racing
// with Dequeue never observes a recycled element.
func NewQueue[T any](flavor rcu.Flavor) *Queue[T] {
	q := &Queue[T]{flavor: flavor}
	dummy := &qnode[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// Enqueue appends v. Never blocks; retries internally under
// contention.
func (q *Queue[T]) Enqueue(v T) {
	n := &qnode[T]{v: v}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// Help a lagging producer swing the tail.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

// Dequeue removes and returns the oldest element, or ok == false when
// the queue is empty at linearization time.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		first := head.next.Load()
		if first == nil {
			return zero, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, first)
			continue
		}
		if q.head.CompareAndSwap(head, first) {
			v = first.v
			// The popped node becomes the new dummy; drop its value
			// reference once no concurrent dequeuer can still read it.
			q.flavor.Defer(func() {
				first.v = zero
			})
			return v, true
		}
	}
}

// IsEmpty reports whether the queue held no element at load time.
func (q *Queue[T]) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}

// Destroy checks the queue is empty. It exists for API symmetry with
// the other containers; a non-empty queue is the caller's leak.
func (q *Queue[T]) Destroy() error {
	if !q.IsEmpty() {
		return ErrNotEmpty
	}
	return nil
}
