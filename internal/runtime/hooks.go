package runtime

import (
	"context"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/ordering"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

// JobContext provides information about one handled message to hooks.
type JobContext struct {
	// MessageType is the logical type of the message.
	MessageType string
	// Kind is the message kind.
	Kind envelope.Kind
	// MessageID is the unique identifier of the message.
	MessageID string
	// ConversationID groups every message of the causal chain.
	ConversationID string
	// Endpoint is the identity handling the message.
	Endpoint envelope.Identity
	// Headers are the message headers.
	Headers envelope.Headers
	// Context is the context the message is handled with.
	Context context.Context
	// StartedAt is when handling started.
	StartedAt time.Time
	// Duration is how long handling took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Attempts is the number of handling attempts (only set in OnJobDone and OnJobError).
	Attempts int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the message enters the rest of the pipeline.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when handling succeeded or its failure was
	// suppressed, for example by dead lettering.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when handling failed after every retry.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around handling. It sits outside error
// handling, so hooks see the final outcome of a message.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: JobHooksMiddlewareName,
		Directives: []ordering.Directive{
			ordering.After(MetricsMiddlewareName),
			ordering.Before(ErrorHandlingMiddlewareName),
		},
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		env := mc.Envelope
		jobCtx := JobContext{
			MessageType:    env.ReflectedType(),
			Kind:           env.Kind(),
			MessageID:      env.ID(),
			ConversationID: env.ConversationID(),
			Endpoint:       mc.Endpoint,
			Headers:        env.Headers(),
			Context:        ctx,
			StartedAt:      time.Now(),
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next(ctx)

		jobCtx.Duration = time.Since(jobCtx.StartedAt)
		jobCtx.Attempts = mc.Attempt()

		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return err
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"message_type":    ctx.MessageType,
				"message_id":      ctx.MessageID,
				"conversation_id": ctx.ConversationID,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"message_type": ctx.MessageType,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"attempts":     ctx.Attempts,
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"message_type": ctx.MessageType,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"attempts":     ctx.Attempts,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that report job outcomes per message
// type and kind.
func MetricsHooks(onStart, onDone, onError func(messageType, kind string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.MessageType, ctx.Kind.String())
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.MessageType, ctx.Kind.String())
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.MessageType, ctx.Kind.String())
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
