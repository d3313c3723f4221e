package pipeline

import (
	"context"
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/outbox"
)

// MessageContext carries the inbound message and the state shared by the
// middlewares handling it.
type MessageContext struct {
	Envelope *envelope.Envelope
	// Endpoint is the identity of the endpoint handling the message.
	Endpoint envelope.Identity

	mu         sync.Mutex
	attempt    int
	unit       *outbox.UnitOfWork
	suppressed error
	values     map[any]any
}

func NewMessageContext(env *envelope.Envelope, endpoint envelope.Identity) *MessageContext {
	return &MessageContext{Envelope: env, Endpoint: endpoint, attempt: 1}
}

// Attempt is the 1-based handling attempt of the message within this
// delivery.
func (mc *MessageContext) Attempt() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.attempt
}

// NextAttempt increments the attempt counter and returns the new value.
func (mc *MessageContext) NextAttempt() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.attempt++
	return mc.attempt
}

// SetUnitOfWork attaches the unit of work of the current attempt.
func (mc *MessageContext) SetUnitOfWork(u *outbox.UnitOfWork) {
	mc.mu.Lock()
	mc.unit = u
	mc.mu.Unlock()
}

func (mc *MessageContext) UnitOfWork() *outbox.UnitOfWork {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.unit
}

// Outbox returns the outbox of the current unit of work, or nil.
func (mc *MessageContext) Outbox() *outbox.Outbox {
	if u := mc.UnitOfWork(); u != nil {
		return u.Outbox()
	}
	return nil
}

// Suppress records that handling failed but the failure was absorbed.
func (mc *MessageContext) Suppress(err error) {
	mc.mu.Lock()
	mc.suppressed = err
	mc.mu.Unlock()
}

// Suppressed returns the absorbed failure, if any.
func (mc *MessageContext) Suppressed() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.suppressed
}

func (mc *MessageContext) Set(key, value any) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.values == nil {
		mc.values = make(map[any]any)
	}
	mc.values[key] = value
}

func (mc *MessageContext) Value(key any) (any, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	v, ok := mc.values[key]
	return v, ok
}

type messageContextKey struct{}

// WithMessageContext makes mc reachable from ctx.
func WithMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// FromContext returns the message being handled on ctx.
func FromContext(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(*MessageContext)
	return mc, ok && mc != nil
}
