package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/ordering"
	"github.com/drblury/courier/internal/runtime/pipeline"
	transportpkg "github.com/drblury/courier/internal/runtime/transport"
)

// Names of the built-in error handlers.
const (
	TraceCaptureErrorHandlerName = "trace_capture"
	RetryErrorHandlerName        = "retry"
	DeadLetterErrorHandlerName   = "dead_letter"
)

// ErrorDecision is the verdict of an error handler.
type ErrorDecision int

const (
	// DecisionContinue defers to the next error handler.
	DecisionContinue ErrorDecision = iota
	// DecisionRetry runs the rest of the pipeline again after a delay.
	DecisionRetry
	// DecisionSuppress marks the message handled with an absorbed failure.
	DecisionSuppress
	// DecisionRethrow fails the message and reports it to the transport.
	DecisionRethrow
)

func (d ErrorDecision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionRetry:
		return "retry"
	case DecisionSuppress:
		return "suppress"
	case DecisionRethrow:
		return "rethrow"
	default:
		return "unknown"
	}
}

// ErrorAction tells the error-handling middleware how to proceed after an
// attempt failed.
type ErrorAction struct {
	Decision ErrorDecision
	// Delay is the wait before the next attempt of a retry.
	Delay time.Duration
}

func Continue() ErrorAction { return ErrorAction{Decision: DecisionContinue} }

func Retry(delay time.Duration) ErrorAction {
	return ErrorAction{Decision: DecisionRetry, Delay: max(delay, 0)}
}

func Suppress() ErrorAction { return ErrorAction{Decision: DecisionSuppress} }

func Rethrow() ErrorAction { return ErrorAction{Decision: DecisionRethrow} }

// ErrorHandlerFunc inspects a failed attempt of mc.
type ErrorHandlerFunc func(ctx context.Context, mc *pipeline.MessageContext, err error) ErrorAction

// ErrorHandlerBuilder constructs an error handler for the supplied service. A
// nil handler without error leaves the registration out of the chain.
type ErrorHandlerBuilder func(*Service) (ErrorHandlerFunc, error)

// ErrorHandlerRegistration adds an error handler to the chain consulted by the
// error_handling middleware.
type ErrorHandlerRegistration struct {
	Name       string
	Handler    ErrorHandlerFunc
	Builder    ErrorHandlerBuilder
	Directives []ordering.Directive
}

// DefaultErrorHandlers returns trace capture, retry and dead lettering, in
// that order.
func DefaultErrorHandlers() []ErrorHandlerRegistration {
	return []ErrorHandlerRegistration{
		TraceCaptureErrorHandler(),
		RetryErrorHandler(RetryConfig{}),
		DeadLetterErrorHandler(nil),
	}
}

// TraceCaptureErrorHandler records every failed attempt on the active span.
func TraceCaptureErrorHandler() ErrorHandlerRegistration {
	return ErrorHandlerRegistration{
		Name:       TraceCaptureErrorHandlerName,
		Directives: []ordering.Directive{ordering.Before(RetryErrorHandlerName)},
		Handler: func(ctx context.Context, mc *pipeline.MessageContext, err error) ErrorAction {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err, trace.WithAttributes(attribute.Int("courier.attempt", mc.Attempt())))
			span.SetStatus(codes.Error, err.Error())
			return Continue()
		},
	}
}

// RetryConfig customises the retry error handler.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one. Zero uses the
	// configured or default value; a negative value disables retries.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides which errors are retried. Defaults to every error that
	// is not unprocessable, unauthorized or a configuration fault.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = Retryable
	}
	return cfg
}

// overlay fills zero fields from the service configuration.
func (cfg RetryConfig) overlay(s *Service) RetryConfig {
	if s == nil || s.Conf == nil {
		return cfg
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = s.Conf.RetryMaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = s.Conf.RetryInitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = s.Conf.RetryMaxInterval
	}
	return cfg
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errspkg.IsUnprocessable(err),
		errspkg.IsConfigurationError(err),
		errors.Is(err, errspkg.ErrUnauthorized):
		return false
	}
	return true
}

type retryBackoffKey struct{}

// RetryErrorHandler retries failed attempts with exponential backoff until
// the retry budget is spent.
func RetryErrorHandler(cfg RetryConfig) ErrorHandlerRegistration {
	return ErrorHandlerRegistration{
		Name:       RetryErrorHandlerName,
		Directives: []ordering.Directive{ordering.Before(DeadLetterErrorHandlerName)},
		Builder: func(s *Service) (ErrorHandlerFunc, error) {
			normalized := cfg.overlay(s).withDefaults()
			if normalized.MaxRetries < 0 {
				return nil, nil
			}
			return normalized.handle, nil
		},
	}
}

func (cfg RetryConfig) handle(_ context.Context, mc *pipeline.MessageContext, err error) ErrorAction {
	if !cfg.RetryIf(err) || mc.Attempt() > cfg.MaxRetries {
		return Continue()
	}
	b := cfg.backoffFor(mc)
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		return Continue()
	}
	return Retry(delay)
}

// backoffFor keeps one backoff per message so delays grow across attempts.
func (cfg RetryConfig) backoffFor(mc *pipeline.MessageContext) *backoff.ExponentialBackOff {
	if v, ok := mc.Value(retryBackoffKey{}); ok {
		return v.(*backoff.ExponentialBackOff)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Reset()
	mc.Set(retryBackoffKey{}, b)
	return b
}

// DeadLetterErrorHandler parks messages that exhausted the earlier handlers
// on the transport's poison queue. Only errors matching filter are parked; a
// nil filter parks everything. Transports that cannot dead letter leave the
// handler out of the chain.
func DeadLetterErrorHandler(filter func(error) bool) ErrorHandlerRegistration {
	return ErrorHandlerRegistration{
		Name: DeadLetterErrorHandlerName,
		Builder: func(s *Service) (ErrorHandlerFunc, error) {
			dl, ok := s.transport.(transportpkg.DeadLetterer)
			if !ok {
				return nil, nil
			}
			return func(ctx context.Context, mc *pipeline.MessageContext, err error) ErrorAction {
				if filter != nil && !filter(err) {
					return Continue()
				}
				if dlErr := dl.DeadLetter(ctx, mc.Envelope, err); dlErr != nil {
					s.Logger.Error("Failed to dead letter message", dlErr, loggingpkg.MessageFields(mc.Envelope))
					return Continue()
				}
				s.metrics.deadLettered(mc.Envelope.ReflectedType())
				s.Logger.Warn("Message dead lettered", loggingpkg.MessageFields(mc.Envelope).With(loggingpkg.LogFields{
					"attempts": mc.Attempt(),
					"error":    err.Error(),
				}))
				return Suppress()
			}, nil
		},
	}
}

// RegisterErrorHandler adds reg to the chain. It must be called before Start.
func (s *Service) RegisterErrorHandler(reg ErrorHandlerRegistration) error {
	if reg.Handler == nil && reg.Builder == nil {
		return errspkg.NewConfigurationError("error handler %q requires Handler or Builder", reg.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrTopologyLocked
	}
	s.errorHandlers = append(s.errorHandlers, reg)
	return nil
}

type namedErrorHandler struct {
	name string
	fn   ErrorHandlerFunc
}

// buildErrorChain orders the registered error handlers.
func (s *Service) buildErrorChain() ([]namedErrorHandler, error) {
	s.mu.RLock()
	regs := append([]ErrorHandlerRegistration(nil), s.errorHandlers...)
	s.mu.RUnlock()

	nodes := make([]ordering.Node, 0, len(regs))
	byName := make(map[string]ErrorHandlerFunc, len(regs))
	for _, reg := range regs {
		fn := reg.Handler
		if fn == nil {
			built, err := reg.Builder(s)
			if err != nil {
				return nil, fmt.Errorf("build error handler %q: %w", reg.Name, err)
			}
			fn = built
		}
		if fn == nil {
			continue
		}
		nodes = append(nodes, ordering.Node{Name: reg.Name, Directives: reg.Directives})
		byName[reg.Name] = fn
	}

	order, err := ordering.Sort(nodes)
	if err != nil {
		return nil, fmt.Errorf("order error handlers: %w", err)
	}
	chain := make([]namedErrorHandler, len(order))
	for i, name := range order {
		chain[i] = namedErrorHandler{name: name, fn: byName[name]}
	}
	return chain, nil
}

// decide asks the chain in order. The first verdict other than Continue wins;
// a chain that only continues rethrows.
func decide(ctx context.Context, chain []namedErrorHandler, mc *pipeline.MessageContext, err error) ErrorAction {
	for _, h := range chain {
		if action := h.fn(ctx, mc, err); action.Decision != DecisionContinue {
			return action
		}
	}
	return Rethrow()
}

// errorHandlingMiddleware runs the remainder of the pipeline and consults the
// error chain whenever it fails.
func errorHandlingMiddleware(chain []namedErrorHandler) pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		for {
			err := next(ctx)
			if err == nil {
				return nil
			}
			action := decide(ctx, chain, mc, err)
			switch action.Decision {
			case DecisionRetry:
				if waitErr := sleep(ctx, action.Delay); waitErr != nil {
					return errors.Join(err, waitErr)
				}
				mc.NextAttempt()
			case DecisionSuppress:
				mc.Suppress(err)
				return nil
			default:
				return err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
