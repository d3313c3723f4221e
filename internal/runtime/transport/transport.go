// Package transport defines how endpoints receive and send envelopes and
// provides an in-process transport plus one running over any watermill
// publisher/subscriber pair.
package transport

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
)

// MessageHandler handles one inbound envelope for a bound endpoint.
type MessageHandler func(ctx context.Context, env *envelope.Envelope) error

// ErrorHandler observes failures the transport could not hand back to a
// caller: handler errors, recovered panics and undecodable messages. env is
// nil when the message could not be decoded.
type ErrorHandler func(ctx context.Context, env *envelope.Envelope, err error)

// TypeProvider lists the message types an endpoint handles.
type TypeProvider func() []envelope.TypeInfo

// Transport moves envelopes between endpoints.
type Transport interface {
	// Bind attaches handler to identity for the types listed by types. Binding
	// is rejected with ErrTopologyLocked once processing started.
	Bind(identity envelope.Identity, handler MessageHandler, types TypeProvider) error
	BindErrorHandler(identity envelope.Identity, fn ErrorHandler) error
	// Enqueue hands env to the transport. A declined message returns false
	// with a nil error.
	Enqueue(ctx context.Context, env *envelope.Envelope) (bool, error)
	// RunBackgroundMessageProcessing consumes until ctx ends, then waits for
	// in-flight handling before returning.
	RunBackgroundMessageProcessing(ctx context.Context) error
	Status() Status
	SubscribeStatus(fn func(StatusChanged)) (unsubscribe func())
}

// DeadLetterer is implemented by transports that can park messages which will
// never be handled successfully.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env *envelope.Envelope, cause error) error
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("courier: handler panicked: %v", e.Value)
}
