// Package syncx provides the concurrency primitives shared by the transport and
// the request/reply registry: a countdown gate and a cancellable completion.
package syncx

import (
	"context"
	"sync"
)

// Gate is an async countdown event. It is signaled while its count is zero or
// below. Every read and mutation happens under one mutex. The zero value is a
// signaled gate with count zero.
type Gate struct {
	mu     sync.Mutex
	count  int
	signal chan struct{}
}

// NewGate returns a gate holding count. A gate created with zero is signaled.
func NewGate(count int) *Gate {
	g := &Gate{count: count, signal: make(chan struct{})}
	if count <= 0 {
		close(g.signal)
	}
	return g
}

// Increment raises the count and returns the new value. A signaled gate becomes
// non-signaled once the count is positive again.
func (g *Gate) Increment() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureSignal()
	g.count++
	if g.count == 1 {
		g.signal = make(chan struct{})
	}
	return g.count
}

// Decrement lowers the count and returns the new value, signaling waiters when
// it drops to zero.
func (g *Gate) Decrement() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureSignal()
	g.count--
	if g.count == 0 {
		close(g.signal)
	}
	return g.count
}

// Count returns the current count.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// IsSignaled reports whether the count is zero or below.
func (g *Gate) IsSignaled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count <= 0
}

// Done returns a channel closed once the gate is signaled. A later Increment
// does not reopen a channel already handed out.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureSignal()
	return g.signal
}

// ensureSignal gives a zero-value gate the channel matching its count.
func (g *Gate) ensureSignal() {
	if g.signal != nil {
		return
	}
	g.signal = make(chan struct{})
	if g.count <= 0 {
		close(g.signal)
	}
}

// Wait blocks until the gate is signaled or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Done():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
