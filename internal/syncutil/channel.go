// Package syncutil provides the small generic completion-channel type used
// by Loop.CallGet: send/receive with context cancellation and an idempotent
// Close.
package syncutil

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrClosed is returned when operating on a channel that has been closed.
var ErrClosed = errors.New("syncutil: channel closed")

// Chan is a type-safe wrapper around a native Go channel adding non-blocking
// operations and an idempotent Close.
type Chan[T any] struct {
	ch     chan T
	closed atomic.Bool
}

// New creates a channel with the given capacity (0 for unbuffered). A
// capacity of 1 is the common case: a single-shot completion slot.
func New[T any](capacity int) *Chan[T] {
	if capacity < 0 {
		capacity = 0
	}

	return &Chan[T]{ch: make(chan T, capacity)}
}

// Send blocks until v is delivered or ctx is done. Returns ErrClosed if the
// channel has already been closed.
func (c *Chan[T]) Send(ctx context.Context, v T) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case c.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend attempts to send without blocking; false means full or closed.
func (c *Chan[T]) TrySend(v T) bool {
	if c.closed.Load() {
		return false
	}

	select {
	case c.ch <- v:
		return true
	default:
		return false
	}
}

// Recv blocks until a value is available or ctx is done. ok is false when
// the channel is closed and drained.
func (c *Chan[T]) Recv(ctx context.Context) (val T, ok bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case v, ok2 := <-c.ch:
		return v, ok2, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// TryRecv attempts to receive without blocking.
func (c *Chan[T]) TryRecv() (val T, ok bool) {
	select {
	case v, ok2 := <-c.ch:
		return v, ok2
	default:
		var zero T
		return zero, false
	}
}

// Close closes the channel for sending. Safe to call more than once.
func (c *Chan[T]) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}
