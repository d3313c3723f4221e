package runtime

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

// HandlerFunc handles one message of type T.
type HandlerFunc[T any] func(ctx context.Context, msg T) error

// RequestHandlerFunc answers a request of type TReq with a TReply.
type RequestHandlerFunc[TReq, TReply any] func(ctx context.Context, req TReq) (TReply, error)

type handlerEntry struct {
	info   envelope.TypeInfo
	invoke func(ctx context.Context, payload any) error
	stats  *HandlerStats
}

// RegisterMessage makes the type of sample known to the service so it can be
// sent, published or decoded without a local handler.
func RegisterMessage(s *Service, sample any, opts ...envelope.RegisterOption) (envelope.TypeInfo, error) {
	if s == nil {
		return envelope.TypeInfo{}, errspkg.ErrServiceRequired
	}
	return s.types.Register(sample, opts...)
}

// RegisterHandler makes s the handler of messages of type T. A command or
// request type has at most one handler per endpoint; events may be handled by
// every interested endpoint.
func RegisterHandler[T any](s *Service, handler HandlerFunc[T], opts ...envelope.RegisterOption) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	var sample T
	return s.registerHandler(any(sample), func(ctx context.Context, payload any) error {
		msg, ok := payloadAs[T](payload)
		if !ok {
			return fmt.Errorf("%w: handler expects %T, got %T", errspkg.ErrUnknownMessageType, sample, payload)
		}
		return handler(ctx, msg)
	}, opts...)
}

// RegisterRequestHandler handles requests of type TReq and replies with the
// returned TReply. The reply joins the unit of work like any other outbound
// message.
func RegisterRequestHandler[TReq, TReply any](s *Service, handler RequestHandlerFunc[TReq, TReply], opts ...envelope.RegisterOption) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	var reply TReply
	if err := s.ensureRegistered(any(reply)); err != nil {
		return fmt.Errorf("register reply type: %w", err)
	}
	return RegisterHandler(s, func(ctx context.Context, req TReq) error {
		out, err := handler(ctx, req)
		if err != nil {
			return err
		}
		return s.Reply(ctx, out)
	}, opts...)
}

func (s *Service) registerHandler(sample any, invoke func(context.Context, any) error, opts ...envelope.RegisterOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrTopologyLocked
	}

	info, err := s.types.Register(sample, opts...)
	if err != nil {
		return err
	}
	if info.Kind == envelope.KindReply {
		return errspkg.NewConfigurationError("%s is a reply; replies are received through Request", info.Name)
	}
	if _, exists := s.handlers[info.Name]; exists {
		return errspkg.NewConfigurationError("a handler for %s is already registered", info.Name)
	}

	stats := newHandlerStats(s.resourceTracker)
	s.handlers[info.Name] = &handlerEntry{info: info, invoke: invoke, stats: stats}
	s.handlerInfos = append(s.handlerInfos, &HandlerInfo{
		Name:        info.Name + "-Handler",
		MessageType: info.Name,
		Kind:        info.Kind.String(),
		Stats:       stats,
	})
	return nil
}

// ensureRegistered registers the type of sample unless it is already known.
// Interface-typed samples are skipped.
func (s *Service) ensureRegistered(sample any) error {
	if sample == nil {
		return nil
	}
	if _, ok := s.types.Resolve(sample); ok {
		return nil
	}
	_, err := s.types.Register(sample)
	return err
}

// handledTypes lists the types this endpoint handles. It is the type provider
// handed to the transport.
func (s *Service) handledTypes() []envelope.TypeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]envelope.TypeInfo, 0, len(s.handlers))
	for _, h := range s.handlers {
		types = append(types, h.info)
	}
	slices.SortFunc(types, func(a, b envelope.TypeInfo) int { return strings.Compare(a.Name, b.Name) })
	return types
}

func (s *Service) handlerFor(typeName string) (*handlerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[typeName]
	return h, ok
}

func (s *Service) statsFor(typeName string) *HandlerStats {
	if h, ok := s.handlerFor(typeName); ok {
		return h.stats
	}
	return nil
}

// HandlerInfos describes the registered handlers with their statistics.
func (s *Service) HandlerInfos() []*HandlerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.handlerInfos)
}

// invokeHandler is the innermost step of the pipeline.
func (s *Service) invokeHandler(ctx context.Context, mc *pipeline.MessageContext) error {
	env := mc.Envelope
	h, ok := s.handlerFor(env.ReflectedType())
	if !ok {
		return errspkg.Unprocessable(env.ID(), fmt.Errorf("%w: %s has no handler on %s", errspkg.ErrNoRoute, env.ReflectedType(), s.identity))
	}
	return h.invoke(ctx, env.Payload())
}

// payloadAs converts a decoded payload to T. Payloads are stored as values, so
// handlers declared on pointer types receive a pointer to a copy.
func payloadAs[T any](payload any) (T, bool) {
	if v, ok := payload.(T); ok {
		return v, true
	}
	var zero T
	want := reflect.TypeOf((*T)(nil)).Elem()
	if want.Kind() != reflect.Pointer || payload == nil {
		return zero, false
	}
	value := reflect.ValueOf(payload)
	if value.Type() != want.Elem() {
		return zero, false
	}
	ptr := reflect.New(want.Elem())
	ptr.Elem().Set(value)
	return ptr.Interface().(T), true
}
