package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/internal/runtime/syncx"
)

// Send sends a command to the endpoint owning its type. While a message is
// being handled, or inside Transaction, the command joins the unit of work
// and leaves only if it commits. Otherwise it is handed to the transport
// directly and a declined command fails with ErrDeclined.
func (s *Service) Send(ctx context.Context, command any) error {
	return s.outbound(ctx, command, envelope.KindCommand)
}

// Publish publishes an event to every endpoint handling its type, with the
// same unit of work rules as Send.
func (s *Service) Publish(ctx context.Context, event any) error {
	return s.outbound(ctx, event, envelope.KindEvent)
}

// Reply answers the request being handled. The reply is addressed to the
// instance that sent the request.
func (s *Service) Reply(ctx context.Context, reply any) error {
	mc, ok := pipeline.FromContext(ctx)
	if !ok {
		return errspkg.ErrNotHandling
	}
	if mc.Envelope.Kind() != envelope.KindRequest {
		return fmt.Errorf("%w: %s is not a request", errspkg.ErrNotHandling, mc.Envelope.ReflectedType())
	}
	return s.outbound(ctx, reply, envelope.KindReply)
}

// Request sends request and waits for the reply. It bypasses the outbox: the
// request is enqueued immediately even while handling another message. The
// wait ends with the caller's context or Conf.RequestTimeout, whichever is
// first; there is no implicit timeout.
func Request[TReply any](ctx context.Context, s *Service, request any) (TReply, error) {
	var zero TReply
	if s == nil {
		return zero, errspkg.ErrServiceRequired
	}
	if err := s.ensureRegistered(any(zero)); err != nil {
		return zero, fmt.Errorf("register reply type: %w", err)
	}
	env, err := s.create(ctx, request, envelope.KindRequest)
	if err != nil {
		return zero, err
	}

	var cancel context.CancelFunc
	if s.Conf.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.Conf.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	completion := syncx.NewCompletion[*envelope.Envelope](ctx)
	defer completion.Dispose()
	if err := s.requests.TryEnroll(ctx, env.ID(), completion); err != nil {
		return zero, err
	}
	if err := s.enqueue(ctx, env); err != nil {
		s.requests.Cancel(env.ID(), err)
		return zero, err
	}

	reply, err := completion.Wait(ctx)
	if err != nil {
		return zero, fmt.Errorf("request %s: %w", env.ReflectedType(), err)
	}
	payload, ok := payloadAs[TReply](reply.Payload())
	if !ok {
		return zero, fmt.Errorf("%w: want %T, got %s", errspkg.ErrUnexpectedReplyType, zero, reply.ReflectedType())
	}
	return payload, nil
}

// Transaction runs fn in a unit of work that no inbound message triggered.
// Messages sent or published by fn are stored with the local transaction and
// delivered once fn returned nil and the store committed.
func (s *Service) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	uow := outbox.NewUnitOfWork(s.store, s.transport)
	if _, err := uow.Start(ctx, nil); err != nil {
		return err
	}
	if err := fn(uow.BindContext(withUnitOfWork(ctx, uow))); err != nil {
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			s.Logger.Error("Failed to roll back unit of work", rbErr, nil)
		}
		return err
	}
	report, err := uow.Commit(ctx)
	if err != nil {
		return err
	}
	s.metrics.delivered(report)
	if !report.Complete() {
		s.Logger.Warn("Outbox delivery incomplete", loggingpkg.LogFields{
			"delivered": len(report.Delivered),
			"pending":   len(report.Pending),
		})
	}
	return nil
}

type unitOfWorkKey struct{}

func withUnitOfWork(ctx context.Context, uow *outbox.UnitOfWork) context.Context {
	return context.WithValue(ctx, unitOfWorkKey{}, uow)
}

// outboxFrom returns the outbox collecting messages for ctx, if any.
func outboxFrom(ctx context.Context) *outbox.Outbox {
	if uow, ok := ctx.Value(unitOfWorkKey{}).(*outbox.UnitOfWork); ok {
		return uow.Outbox()
	}
	if mc, ok := pipeline.FromContext(ctx); ok {
		return mc.Outbox()
	}
	return nil
}

func (s *Service) outbound(ctx context.Context, payload any, kind envelope.Kind) error {
	env, err := s.create(ctx, payload, kind)
	if err != nil {
		return err
	}
	if box := outboxFrom(ctx); box != nil {
		_, err := box.Add(env)
		return err
	}
	return s.enqueue(ctx, env)
}

// create builds the envelope for payload, which must be of kind. The message
// being handled on ctx, if any, becomes the initiator.
func (s *Service) create(ctx context.Context, payload any, kind envelope.Kind) (*envelope.Envelope, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	payload = envelope.Normalize(payload)
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	if err := s.ensureRegistered(payload); err != nil {
		return nil, err
	}
	info, _ := s.types.Resolve(payload)
	if info.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", errspkg.ErrKindMismatch, info.Name, info.Kind, kind)
	}

	var initiator *envelope.Envelope
	if mc, ok := pipeline.FromContext(ctx); ok {
		initiator = mc.Envelope
	}
	return s.factory.Create(ctx, payload, s.identity, initiator)
}

func (s *Service) enqueue(ctx context.Context, env *envelope.Envelope) error {
	accepted, err := s.transport.Enqueue(ctx, env)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", env, err)
	}
	if !accepted {
		return fmt.Errorf("%w: %s", errspkg.ErrDeclined, env)
	}
	return nil
}
