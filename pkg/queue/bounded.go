// Package queue provides the bounded, in-memory FIFO that feeds the worker pool.
//
// The queue enforces the engine's backpressure contract:
//   - Enqueue never blocks. When K items are already waiting it fails fast
//     with ErrCapacityExceeded.
//   - Dequeue may block, but only for a bounded poll interval, and it also
//     returns as soon as its context is cancelled.
//
// Dispatch order equals enqueue order. Each item is delivered to exactly one
// consumer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

var (
	// ErrCapacityExceeded is returned by Enqueue when the queue is full.
	ErrCapacityExceeded = errors.New("task queue capacity exceeded")

	// ErrPollTimeout is returned by Dequeue when no item arrived within the poll interval.
	ErrPollTimeout = errors.New("no task available before poll timeout")
)

// Bounded is a fixed-capacity FIFO of task records backed by a buffered channel.
type Bounded struct {
	items chan *tasks.Record
}

// NewBounded creates a queue holding at most capacity records.
// Capacity must be positive.
func NewBounded(capacity int) (*Bounded, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &Bounded{items: make(chan *tasks.Record, capacity)}, nil
}

// Enqueue appends rec to the tail of the queue without blocking.
func (q *Bounded) Enqueue(rec *tasks.Record) error {
	select {
	case q.items <- rec:
		return nil
	default:
		return fmt.Errorf("%w: %d tasks already waiting", ErrCapacityExceeded, cap(q.items))
	}
}

// Dequeue removes and returns the oldest record.
// It waits at most poll for an item (poll <= 0 waits until ctx is done) and
// returns ErrPollTimeout if none arrived, or ctx.Err() if ctx was cancelled.
func (q *Bounded) Dequeue(ctx context.Context, poll time.Duration) (*tasks.Record, error) {
	// Prefer a ready item over a concurrently cancelled context.
	select {
	case rec := <-q.items:
		return rec, nil
	default:
	}

	var timeout <-chan time.Time
	if poll > 0 {
		timer := time.NewTimer(poll)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case rec := <-q.items:
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrPollTimeout
	}
}

// Len returns the number of records waiting.
func (q *Bounded) Len() int {
	return len(q.items)
}

// Cap returns the fixed capacity.
func (q *Bounded) Cap() int {
	return cap(q.items)
}
