package channel

import (
	"context"
	"sync"
)

// Latch is a one-shot event: once Set it stays set, and every waiter
// is released.
type Latch struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

// NewLatch creates an unset latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

func (l *Latch) c() chan struct{} {
	l.init.Do(func() {
		if l.ch == nil {
			l.ch = make(chan struct{})
		}
	})
	return l.ch
}

// Set releases all waiters. Repeated calls are no-ops.
func (l *Latch) Set() {
	ch := l.c()
	l.once.Do(func() { close(ch) })
}

// TrySet sets the latch and reports whether this call was the one that
// set it.
func (l *Latch) TrySet() bool {
	ch := l.c()
	set := false
	l.once.Do(func() {
		close(ch)
		set = true
	})
	return set
}

// IsSet reports whether Set has been called.
func (l *Latch) IsSet() bool {
	select {
	case <-l.c():
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the latch is set.
func (l *Latch) Done() <-chan struct{} {
	return l.c()
}

// Wait blocks until the latch is set or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.c():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
