package syncx

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Completion is a single-assignment result wired to a context. Cancelling the
// context cancels the completion unless it resolved first. The context
// registration is released on resolution or Dispose.
type Completion[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	cancelled bool
	value     T
	err       error
	stop      func() bool
}

// NewCompletion returns a pending completion bound to ctx. If ctx is already
// done the completion is cancelled immediately.
func NewCompletion[T any](ctx context.Context) *Completion[T] {
	c := &Completion[T]{done: make(chan struct{})}
	if ctx.Err() != nil {
		c.TryCancel(context.Cause(ctx))
		return c
	}

	c.mu.Lock()
	c.stop = context.AfterFunc(ctx, func() {
		c.TryCancel(context.Cause(ctx))
	})
	c.mu.Unlock()
	return c
}

// TrySetResult resolves the completion with v. It returns false if the
// completion was already resolved.
func (c *Completion[T]) TrySetResult(v T) bool {
	return c.resolve(v, nil, false)
}

// TrySetError resolves the completion with err.
func (c *Completion[T]) TrySetError(err error) bool {
	var zero T
	return c.resolve(zero, err, false)
}

// TryCancel resolves the completion as cancelled. The returned error of Wait
// wraps both ErrCancelled and cause.
func (c *Completion[T]) TryCancel(cause error) bool {
	err := errspkg.ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", errspkg.ErrCancelled, cause)
	}
	var zero T
	return c.resolve(zero, err, true)
}

func (c *Completion[T]) resolve(v T, err error, cancelled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.cancelled = cancelled
	c.value = v
	c.err = err
	c.release()
	close(c.done)
	return true
}

func (c *Completion[T]) release() {
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
}

// Done is closed once the completion resolves.
func (c *Completion[T]) Done() <-chan struct{} { return c.done }

// IsCancelled reports whether the completion resolved through cancellation.
func (c *Completion[T]) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Result returns the outcome without blocking. ok is false while pending.
func (c *Completion[T]) Result() (value T, err error, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err, c.resolved
}

// Wait blocks until the completion resolves or ctx ends. Ending ctx only stops
// this wait; it does not cancel the completion.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// Dispose releases the context registration without resolving.
func (c *Completion[T]) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
}
