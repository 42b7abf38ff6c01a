// Package channel provides the unbounded FIFO queue used between
// concurrently running nodes and the frame consumers.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Get once a closed queue has been drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO. Put never blocks; Get blocks until an item
// arrives, the queue is closed and drained, or ctx is done.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool

	puts atomic.Int64
	gets atomic.Int64
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{})}
}

// Put appends v. Puts after Close are dropped and reported as false.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.puts.Add(1)
	q.wake()
	return true
}

// wake must be called with mu held.
func (q *Queue[T]) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Get removes and returns the head item.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			q.gets.Add(1)
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryGet returns the head item without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.gets.Add(1)
	return v, true
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Buffered items stay readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Length: q.Len(),
		Puts:   q.puts.Load(),
		Gets:   q.gets.Load(),
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Length int   `json:"length"`
	Puts   int64 `json:"puts"`
	Gets   int64 `json:"gets"`
}
