// Package queue provides the bounded blocking queue between event producers and a consumer
package queue

import (
	"context"
	"time"
)

// Bounded is a fixed-capacity FIFO queue safe for concurrent use by any number of producers and consumers
type Bounded[T any] struct {
	items chan T
}

// NewBounded creates a Bounded queue of the given capacity, which must be positive
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		panic("queue capacity must be positive")
	}
	return &Bounded[T]{
		items: make(chan T, capacity),
	}
}

// Put inserts an item, waiting for free space as long as needed
//
// Returns the context's error if it's cancelled before the item can be inserted, in which case the item is not
// in the queue
func (q *Bounded[T]) Put(ctx context.Context, item T) error {
	select {
	case q.items <- item:
		return nil
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer inserts an item if there is free space, returns false otherwise
func (q *Bounded[T]) Offer(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Poll removes the head item, waiting up to the given timeout for one to arrive
//
// Returns false without error on timeout, or the context's error if it's cancelled first
func (q *Bounded[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, true, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		return item, true, nil
	case <-timer.C:
		return zero, false, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// TryPoll removes the head item if there is any
func (q *Bounded[T]) TryPoll() (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of items in queue
func (q *Bounded[T]) Len() int {
	return len(q.items)
}

// Cap returns the capacity
func (q *Bounded[T]) Cap() int {
	return cap(q.items)
}

// Remaining returns the amount of free space
func (q *Bounded[T]) Remaining() int {
	return cap(q.items) - len(q.items)
}

// IsEmpty returns true if there is nothing in queue
func (q *Bounded[T]) IsEmpty() bool {
	return len(q.items) == 0
}
