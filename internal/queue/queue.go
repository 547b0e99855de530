// Package queue provides bounded in-process queues that either apply
// backpressure or shed the oldest items when full.
//
// A producer goroutine (typically a pipe reader) pushes, and any number of
// consumers receive from C(). Counters are atomic so health can be read
// while the queue is in use.
package queue

import (
	"context"
	"sync/atomic"
)

// FullMode selects what Push does when the queue is at capacity.
type FullMode int

const (
	// Block makes Push wait until space frees up or ctx ends.
	Block FullMode = iota

	// DropOldest makes Push discard the oldest queued item to make room.
	DropOldest
)

// String returns a human-readable name for the mode.
func (m FullMode) String() string {
	switch m {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// DefaultCapacity is the capacity used when none is given.
const DefaultCapacity = 10000

// Queue is a bounded FIFO of T.
type Queue[T any] struct {
	name string
	mode FullMode
	ch   chan T

	pushed  atomic.Int64
	dropped atomic.Int64
	popped  atomic.Int64

	dropThreshold float64
}

// New creates a queue. A capacity below 1 uses DefaultCapacity.
func New[T any](name string, capacity int, mode FullMode) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		name:          name,
		mode:          mode,
		ch:            make(chan T, capacity),
		dropThreshold: 0.01,
	}
}

// Push enqueues v. In Block mode it waits for space and returns ctx.Err()
// if ctx ends first. In DropOldest mode it never waits and reports whether
// an older item was discarded.
func (q *Queue[T]) Push(ctx context.Context, v T) (dropped bool, err error) {
	if q.mode == Block {
		select {
		case q.ch <- v:
			q.pushed.Add(1)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	for {
		select {
		case q.ch <- v:
			q.pushed.Add(1)
			return dropped, nil
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Pop waits for the next item.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		q.popped.Add(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryPop returns the next item if one is queued.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		q.popped.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Clear discards every queued item and returns how many were removed.
func (q *Queue[T]) Clear() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string {
	return q.name
}

// Mode returns the full-queue behaviour.
func (q *Queue[T]) Mode() FullMode {
	return q.mode
}

// Stats returns the pushed, dropped and popped counters.
func (q *Queue[T]) Stats() (pushed, dropped, popped int64) {
	return q.pushed.Load(), q.dropped.Load(), q.popped.Load()
}

// DropRate returns dropped / pushed, or 0 before any push.
func (q *Queue[T]) DropRate() float64 {
	pushed, dropped := q.pushed.Load(), q.dropped.Load()
	if pushed == 0 {
		return 0
	}
	return float64(dropped) / float64(pushed)
}

// IsDegraded reports whether more than 1% of pushed items were dropped.
func (q *Queue[T]) IsDegraded() bool {
	return q.DropRate() > q.dropThreshold
}
