package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrServiceRequired       = sterrors.New("courier: service is required")
	ErrHandlerRequired       = sterrors.New("courier: handler function is required")
	ErrHandlerNameRequired   = sterrors.New("courier: handler name is required")
	ErrMessageTypeRequired   = sterrors.New("courier: message type is required")
	ErrMessageKindUnknown    = sterrors.New("courier: message kind is unknown")
	ErrKindMismatch          = sterrors.New("courier: message kind does not fit the operation")
	ErrPayloadRequired       = sterrors.New("courier: message payload is required")
	ErrConfigRequired        = sterrors.New("courier: configuration is required")
	ErrLoggerRequired        = sterrors.New("courier: logger is required")
	ErrTransportRequired     = sterrors.New("courier: transport is required")
	ErrTopologyLocked        = sterrors.New("courier: endpoint topology is locked once processing started")
	ErrNotBound              = sterrors.New("courier: endpoint is not bound")
	ErrAlreadyRunning        = sterrors.New("courier: message processing already started")
	ErrDeclined              = sterrors.New("courier: transport declined the message")
	ErrNoRoute               = sterrors.New("courier: no endpoint owns the message type")
	ErrNotHandling           = sterrors.New("courier: no inbound message is being handled")
	ErrUnitOfWorkNotStarted  = sterrors.New("courier: unit of work not started")
	ErrUnitOfWorkActive      = sterrors.New("courier: unit of work already started")
	ErrUnitOfWorkEnded       = sterrors.New("courier: unit of work already ended")
	ErrOutboxClosed          = sterrors.New("courier: outbox is closed")
	ErrDuplicateEnrollment   = sterrors.New("courier: request is already pending")
	ErrUnauthorized          = sterrors.New("courier: message is not authorized")
	ErrCancelled             = sterrors.New("courier: operation cancelled")
	ErrUnexpectedReplyType   = sterrors.New("courier: unexpected reply payload type")
	ErrUnknownMessageType    = sterrors.New("courier: unknown message type")
	ErrDuplicateRegistration = sterrors.New("courier: message type already registered")
)

// ConfigurationError reports composition-time faults such as cyclic ordering
// directives, missing required components or duplicate registrations. These
// are never retried.
type ConfigurationError struct {
	Reason string
	// Cycle lists the members of one ordering cycle, in edge order, when the
	// error was caused by cyclic directives.
	Cycle []string
	Err   error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("courier: configuration error: ")
	b.WriteString(e.Reason)
	if len(e.Cycle) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Cycle, " -> "))
		b.WriteString(" -> ")
		b.WriteString(e.Cycle[0])
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError formats a ConfigurationError without cycle information.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return sterrors.As(err, &cfgErr)
}

// UnprocessableError marks a message that can never succeed, so retrying it is
// pointless. The error-handling chain forwards such messages to the dead letter
// sink.
type UnprocessableError struct {
	MessageID string
	Err       error
}

func (e *UnprocessableError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("courier: unprocessable message: %v", e.Err)
	}
	return fmt.Sprintf("courier: unprocessable message %s: %v", e.MessageID, e.Err)
}

func (e *UnprocessableError) Unwrap() error {
	return e.Err
}

// Unprocessable wraps err as an *UnprocessableError.
func Unprocessable(messageID string, err error) error {
	return &UnprocessableError{MessageID: messageID, Err: err}
}

// IsUnprocessable reports whether err wraps an *UnprocessableError.
func IsUnprocessable(err error) bool {
	var unprocessable *UnprocessableError
	return sterrors.As(err, &unprocessable)
}
