package envelope

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/ordering"
)

// Names of the built-in header providers.
const (
	ContextHeadersProviderName   = "context_headers"
	SenderProviderName           = "sender"
	ReplyDestinationProviderName = "reply_destination"
	PropagateProviderName        = "propagate"
	TraceContextProviderName     = "trace_context"
)

// ProviderRequest describes the envelope being created.
type ProviderRequest struct {
	Payload   any
	Type      TypeInfo
	Sender    Identity
	Initiator *Envelope
}

// HeaderProvider contributes headers to new envelopes. Providers run in the
// order resolved from their directives and can only add headers that are not
// present yet.
type HeaderProvider struct {
	Name       string
	Provide    func(ctx context.Context, req ProviderRequest, headers *HeaderSet) error
	Directives []ordering.Directive
}

// Factory creates envelopes for registered payload types.
type Factory struct {
	registry  *Registry
	providers []HeaderProvider
	newID     func() string
}

// NewFactory orders providers and returns a factory. Cyclic or unsatisfiable
// directives fail with a configuration error.
func NewFactory(registry *Registry, providers ...HeaderProvider) (*Factory, error) {
	if registry == nil {
		return nil, errspkg.NewConfigurationError("envelope factory requires a type registry")
	}

	nodes := make([]ordering.Node, len(providers))
	byName := make(map[string]HeaderProvider, len(providers))
	for i, p := range providers {
		if p.Provide == nil {
			return nil, errspkg.NewConfigurationError("header provider %q has no Provide function", p.Name)
		}
		nodes[i] = ordering.Node{Name: p.Name, Directives: p.Directives}
		byName[p.Name] = p
	}
	order, err := ordering.Sort(nodes)
	if err != nil {
		return nil, fmt.Errorf("order header providers: %w", err)
	}

	sorted := make([]HeaderProvider, len(order))
	for i, name := range order {
		sorted[i] = byName[name]
	}
	return &Factory{registry: registry, providers: sorted, newID: idspkg.New}, nil
}

// ProviderOrder lists the provider names in execution order.
func (f *Factory) ProviderOrder() []string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name
	}
	return names
}

// Registry returns the type registry used to resolve payloads.
func (f *Factory) Registry() *Registry { return f.registry }

// Create wraps payload in a new envelope. Without an initiator a new
// conversation starts; otherwise the initiator's conversation is inherited and
// its id becomes the initiator message id.
func (f *Factory) Create(ctx context.Context, payload any, sender Identity, initiator *Envelope) (*Envelope, error) {
	payload = Normalize(payload)
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	info, ok := f.registry.Resolve(payload)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errspkg.ErrUnknownMessageType, payload)
	}

	env := &Envelope{
		id:            f.newID(),
		reflectedType: info.Name,
		kind:          info.Kind,
		payload:       payload,
	}
	if initiator != nil {
		env.conversationID = initiator.ConversationID()
		env.initiatorID = initiator.ID()
	} else {
		env.conversationID = f.newID()
	}

	req := ProviderRequest{Payload: payload, Type: info, Sender: sender, Initiator: initiator}
	set := NewHeaderSet()
	for _, p := range f.providers {
		if err := p.Provide(ctx, req, set); err != nil {
			return nil, fmt.Errorf("header provider %q: %w", p.Name, err)
		}
	}
	env.headers = set.Headers()
	return env, nil
}

// DefaultHeaderProviders returns the built-in providers: caller supplied
// context headers first, then sender, reply destination, propagated
// authorization and trace context.
func DefaultHeaderProviders() []HeaderProvider {
	return []HeaderProvider{
		ContextHeadersProvider(),
		SenderProvider(),
		ReplyDestinationProvider(),
		PropagateProvider(AuthorizationKey),
		TraceContextProvider(nil),
	}
}

type contextHeadersKey struct{}

// ContextWithHeaders attaches headers to ctx. The context_headers provider
// copies them onto every envelope created with that context, ahead of any
// default provider.
func ContextWithHeaders(ctx context.Context, headers ...Header) context.Context {
	existing := HeadersFromContext(ctx)
	merged := make([]Header, 0, len(existing)+len(headers))
	merged = append(merged, existing...)
	merged = append(merged, headers...)
	return context.WithValue(ctx, contextHeadersKey{}, merged)
}

// HeadersFromContext returns the headers attached with ContextWithHeaders.
func HeadersFromContext(ctx context.Context) []Header {
	if ctx == nil {
		return nil
	}
	headers, _ := ctx.Value(contextHeadersKey{}).([]Header)
	return headers
}

// ContextHeadersProvider copies caller supplied headers from the context.
func ContextHeadersProvider() HeaderProvider {
	return HeaderProvider{
		Name: ContextHeadersProviderName,
		Provide: func(ctx context.Context, _ ProviderRequest, headers *HeaderSet) error {
			for _, h := range HeadersFromContext(ctx) {
				headers.AddIfAbsent(h)
			}
			return nil
		},
	}
}

// SenderProvider records the creating endpoint.
func SenderProvider() HeaderProvider {
	return HeaderProvider{
		Name:       SenderProviderName,
		Directives: []ordering.Directive{ordering.After(ContextHeadersProviderName)},
		Provide: func(_ context.Context, req ProviderRequest, headers *HeaderSet) error {
			if !req.Sender.IsZero() {
				headers.AddIfAbsent(SenderHeader{Identity: req.Sender})
			}
			return nil
		},
	}
}

// ReplyDestinationProvider addresses replies to the instance that sent the
// request being answered.
func ReplyDestinationProvider() HeaderProvider {
	return HeaderProvider{
		Name:       ReplyDestinationProviderName,
		Directives: []ordering.Directive{ordering.After(ContextHeadersProviderName)},
		Provide: func(_ context.Context, req ProviderRequest, headers *HeaderSet) error {
			if req.Type.Kind != KindReply || req.Initiator == nil {
				return nil
			}
			if requester, ok := req.Initiator.Sender(); ok {
				headers.AddIfAbsent(DestinationHeader{Identity: requester})
			}
			return nil
		},
	}
}

// PropagateProvider copies the named headers from the initiator so values
// like end-user authorization follow the whole conversation.
func PropagateProvider(keys ...string) HeaderProvider {
	return HeaderProvider{
		Name:       PropagateProviderName,
		Directives: []ordering.Directive{ordering.After(ContextHeadersProviderName)},
		Provide: func(_ context.Context, req ProviderRequest, headers *HeaderSet) error {
			if req.Initiator == nil {
				return nil
			}
			for _, key := range keys {
				if h, ok := req.Initiator.Headers().Get(key); ok {
					headers.AddIfAbsent(h)
				}
			}
			return nil
		},
	}
}

// TraceContextProvider injects W3C trace context from ctx. A nil propagator
// uses the global otel propagator.
func TraceContextProvider(propagator propagation.TextMapPropagator) HeaderProvider {
	return HeaderProvider{
		Name:       TraceContextProviderName,
		Directives: []ordering.Directive{ordering.After(PropagateProviderName)},
		Provide: func(ctx context.Context, _ ProviderRequest, headers *HeaderSet) error {
			p := propagator
			if p == nil {
				p = otel.GetTextMapPropagator()
			}
			carrier := propagation.MapCarrier{}
			p.Inject(ctx, carrier)
			for _, key := range p.Fields() {
				if value := carrier.Get(key); value != "" {
					headers.AddIfAbsent(TextHeader{Key: key, Value: value})
				}
			}
			return nil
		},
	}
}

// ExtractTraceContext returns ctx enriched with the trace context carried by
// env's headers.
func ExtractTraceContext(ctx context.Context, env *Envelope, propagator propagation.TextMapPropagator) context.Context {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	carrier := propagation.MapCarrier{}
	for key, h := range env.Headers().All() {
		carrier.Set(key, h.HeaderValue())
	}
	return propagator.Extract(ctx, carrier)
}
