package runtime

import (
	"context"
	"errors"

	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pipeline"
	transportpkg "github.com/drblury/courier/internal/runtime/transport"
)

// dispatch is the message handler bound to the transport. Replies resolve
// the pending request they answer; everything else runs through the
// pipeline.
func (s *Service) dispatch(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind() == envelope.KindReply {
		s.resolveReply(env)
		return nil
	}
	mc := pipeline.NewMessageContext(env, s.identity)
	return s.chain(pipeline.WithMessageContext(ctx, mc), mc)
}

// resolveReply completes the request env answers. Late replies, for example
// after the requester gave up, are dropped.
func (s *Service) resolveReply(env *envelope.Envelope) {
	requestID, ok := env.InitiatorMessageID()
	if ok && s.requests.TrySetResult(requestID, env) {
		return
	}
	s.Logger.Debug("Dropping reply without pending request", loggingpkg.MessageFields(env).With(loggingpkg.LogFields{
		"request_id": requestID,
	}))
}

// onTransportError is the error handler bound to the transport. It receives
// failures the pipeline rethrew, panics and undecodable messages.
func (s *Service) onTransportError(_ context.Context, env *envelope.Envelope, err error) {
	fields := loggingpkg.LogFields{loggingpkg.FieldEndpoint: s.identity.String()}
	messageType := "unknown"
	if env != nil {
		messageType = env.ReflectedType()
		fields = fields.With(loggingpkg.MessageFields(env))
	}
	var panicErr *transportpkg.PanicError
	if errors.As(err, &panicErr) {
		fields["stack"] = string(panicErr.Stack)
	}
	s.metrics.transportError(messageType)
	s.Logger.Error("Message handling failed", err, fields)
}

// observeStatus subscribes the logging and readiness observers to the
// transport lifecycle.
func (s *Service) observeStatus() (unsubscribe func()) {
	return s.transport.SubscribeStatus(func(change transportpkg.StatusChanged) {
		s.ready.Store(change.Current == transportpkg.StatusRunning)
		s.Logger.Info("Transport status changed", loggingpkg.LogFields{
			"endpoint": s.identity.String(),
			"previous": change.Previous.String(),
			"current":  change.Current.String(),
		})
	})
}
