package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/ordering"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/pipeline"
	transportpkg "github.com/drblury/courier/internal/runtime/transport"
)

// Names of the built-in middlewares.
const (
	TracingMiddlewareName       = "tracing"
	MetricsMiddlewareName       = "metrics"
	LogMessagesMiddlewareName   = "log_messages"
	JobHooksMiddlewareName      = "job_hooks"
	ErrorHandlingMiddlewareName = "error_handling"
	AuthorizationMiddlewareName = "authorization"
	UnitOfWorkMiddlewareName    = "unit_of_work"
	RecovererMiddlewareName     = "recoverer"
)

// MiddlewareBuilder constructs a middleware using the provided service
// instance. A nil middleware without error leaves the registration out of the
// pipeline.
type MiddlewareBuilder func(*Service) (pipeline.Middleware, error)

// MiddlewareRegistration captures how a middleware joins the pipeline.
type MiddlewareRegistration struct {
	Name       string
	Middleware pipeline.Middleware
	Builder    MiddlewareBuilder
	Directives []ordering.Directive
}

// DefaultMiddlewares returns the standard pipeline: tracing, metrics, error
// handling, authorization, unit of work and panic recovery, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracingMiddleware(),
		MetricsMiddleware(),
		ErrorHandlingMiddleware(),
		AuthorizationMiddleware(),
		UnitOfWorkMiddleware(),
		RecovererMiddleware(),
	}
}

// TracingMiddleware continues the sender's trace and wraps handling in a
// consumer span.
func TracingMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       TracingMiddlewareName,
		Directives: []ordering.Directive{ordering.Before(MetricsMiddlewareName)},
		Builder: func(s *Service) (pipeline.Middleware, error) {
			return s.tracingMiddleware(), nil
		},
	}
}

// MetricsMiddleware maintains handler statistics and, when enabled, the
// Prometheus handling metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       MetricsMiddlewareName,
		Directives: []ordering.Directive{ordering.Before(ErrorHandlingMiddlewareName)},
		Builder: func(s *Service) (pipeline.Middleware, error) {
			return s.metricsMiddleware(), nil
		},
	}
}

// ErrorHandlingMiddleware consults the error handler chain when the inner
// pipeline fails.
func ErrorHandlingMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       ErrorHandlingMiddlewareName,
		Directives: []ordering.Directive{
			ordering.Before(AuthorizationMiddlewareName),
			ordering.Before(UnitOfWorkMiddlewareName),
		},
		Builder: func(s *Service) (pipeline.Middleware, error) {
			chain, err := s.buildErrorChain()
			if err != nil {
				return nil, err
			}
			return errorHandlingMiddleware(chain), nil
		},
	}
}

// AuthorizationMiddleware rejects messages refused by the service's
// Authorizer. Without an authorizer it is left out.
func AuthorizationMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       AuthorizationMiddlewareName,
		Directives: []ordering.Directive{ordering.Before(UnitOfWorkMiddlewareName)},
		Builder: func(s *Service) (pipeline.Middleware, error) {
			if s.authorizer == nil {
				return nil, nil
			}
			return authorizationMiddleware(s.authorizer), nil
		},
	}
}

// UnitOfWorkMiddleware runs every attempt in its own unit of work: messages
// sent by the handler are committed with its state change and delivered
// afterwards.
func UnitOfWorkMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       UnitOfWorkMiddlewareName,
		Directives: []ordering.Directive{ordering.Before(RecovererMiddlewareName)},
		Builder: func(s *Service) (pipeline.Middleware, error) {
			return s.unitOfWorkMiddleware(), nil
		},
	}
}

// RecovererMiddleware converts panics into errors so they roll back the unit
// of work and reach the error handlers.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       RecovererMiddlewareName,
		Middleware: recoverer,
	}
}

// LogMessagesMiddleware logs every handled message with its headers and
// payload. A nil logger uses the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: LogMessagesMiddlewareName,
		Directives: []ordering.Directive{
			ordering.After(TracingMiddlewareName),
			ordering.Before(ErrorHandlingMiddlewareName),
		},
		Builder: func(s *Service) (pipeline.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// RegisterMiddleware adds reg to the pipeline. It must be called before
// Start.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	if reg.Middleware == nil && reg.Builder == nil {
		return errspkg.NewConfigurationError("middleware %q requires Middleware or Builder", reg.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrTopologyLocked
	}
	s.middlewares = append(s.middlewares, reg)
	return nil
}

// buildPipeline resolves every registration and orders the result.
func (s *Service) buildPipeline() (*pipeline.Pipeline, error) {
	s.mu.RLock()
	regs := append([]MiddlewareRegistration(nil), s.middlewares...)
	s.mu.RUnlock()

	components := make([]pipeline.Component, 0, len(regs))
	for _, reg := range regs {
		mw := reg.Middleware
		if mw == nil {
			built, err := reg.Builder(s)
			if err != nil {
				return nil, fmt.Errorf("build middleware %q: %w", reg.Name, err)
			}
			mw = built
		}
		if mw == nil {
			continue
		}
		components = append(components, pipeline.Component{
			Name:       reg.Name,
			Middleware: mw,
			Directives: reg.Directives,
		})
	}
	return pipeline.Build(components...)
}

// MiddlewareOrder resolves the pipeline and returns its middleware names,
// outermost first.
func (s *Service) MiddlewareOrder() ([]string, error) {
	p, err := s.buildPipeline()
	if err != nil {
		return nil, err
	}
	return p.Order(), nil
}

func (s *Service) tracingMiddleware() pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		env := mc.Envelope
		ctx = envelope.ExtractTraceContext(ctx, env, s.propagator)
		ctx, span := s.tracer.Start(ctx, "courier.handle "+env.ReflectedType(),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.message.id", env.ID()),
				attribute.String("messaging.message.conversation_id", env.ConversationID()),
				attribute.String("courier.message.type", env.ReflectedType()),
				attribute.String("courier.message.kind", env.Kind().String()),
				attribute.String("courier.endpoint", mc.Endpoint.String()),
			),
		)
		defer span.End()

		err := next(ctx)
		switch {
		case err != nil:
			span.SetStatus(codes.Error, err.Error())
		case mc.Suppressed() != nil:
			span.SetAttributes(attribute.Bool("courier.suppressed", true))
		}
		span.SetAttributes(attribute.Int("courier.attempts", mc.Attempt()))
		return err
	}
}

func (s *Service) metricsMiddleware() pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		env := mc.Envelope
		stats := s.statsFor(env.ReflectedType())
		invocation := stats.onMessageStart(env, s.queueDepth())
		start := time.Now()

		err := next(ctx)

		duration := time.Since(start)
		failure := err
		if failure == nil {
			failure = mc.Suppressed()
		}
		stats.onMessageFinish(invocation, duration, failure, s.errorClassifier)
		s.metrics.handled(env.ReflectedType(), outcomeOf(err, mc), duration)
		return err
	}
}

func outcomeOf(err error, mc *pipeline.MessageContext) string {
	switch {
	case err != nil:
		return "failed"
	case mc.Suppressed() != nil:
		return "suppressed"
	default:
		return "succeeded"
	}
}

func (s *Service) unitOfWorkMiddleware() pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		env := mc.Envelope
		uow := outbox.NewUnitOfWork(s.store, s.transport)
		behavior, err := uow.Start(ctx, env)
		if err != nil {
			return err
		}
		if behavior == outbox.NoOp {
			s.Logger.Debug("Skipping message handled before", loggingpkg.MessageFields(env))
			return uow.Rollback(ctx)
		}

		mc.SetUnitOfWork(uow)
		if err := next(uow.BindContext(ctx)); err != nil {
			if rbErr := uow.Rollback(ctx); rbErr != nil {
				s.Logger.Error("Failed to roll back unit of work", rbErr, loggingpkg.MessageFields(env))
			}
			return err
		}

		report, err := uow.Commit(ctx)
		if err != nil {
			return err
		}
		s.observeDelivery(env, report)
		return nil
	}
}

// observeDelivery records the outcome of delivering a committed outbox.
// Pending messages stay in the store for the relay.
func (s *Service) observeDelivery(inbound *envelope.Envelope, report outbox.DeliveryReport) {
	s.metrics.delivered(report)
	stats := s.statsFor(inbound.ReflectedType())
	if report.Complete() {
		stats.setDependencyStatus(outboxDependency, DependencyStatusHealthy, "")
		return
	}
	details := fmt.Sprintf("%d message(s) pending", len(report.Pending))
	stats.setDependencyStatus(outboxDependency, DependencyStatusDegraded, details)
	fields := loggingpkg.MessageFields(inbound).With(loggingpkg.LogFields{
		"delivered": len(report.Delivered),
		"pending":   len(report.Pending),
	})
	if report.Err != nil {
		s.Logger.Error("Outbox delivery incomplete", report.Err, fields)
		return
	}
	s.Logger.Warn("Outbox delivery incomplete", fields)
}

func recoverer(ctx context.Context, _ *pipeline.MessageContext, next pipeline.Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transportpkg.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next(ctx)
}

func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		env := mc.Envelope
		fields := loggingpkg.MessageFields(env).With(loggingpkg.LogFields{
			"kind":    env.Kind().String(),
			"headers": env.Headers().Keys(),
		})
		if body, err := s.serializer.Serialize(env.Payload()); err == nil {
			fields["payload"] = body
		}
		logger.Debug("Processing message", fields)
		return next(ctx)
	}
}
