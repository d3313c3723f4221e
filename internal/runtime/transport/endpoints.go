package transport

import (
	"context"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/syncx"
)

type binding struct {
	identity envelope.Identity
	handler  MessageHandler
	types    []envelope.TypeInfo

	mu      sync.RWMutex
	onError ErrorHandler
}

func (b *binding) handles(typeName string) bool {
	return slices.ContainsFunc(b.types, func(info envelope.TypeInfo) bool { return info.Name == typeName })
}

func (b *binding) errorHandler() ErrorHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onError
}

// endpoints is the topology shared by the transports: bound endpoints in bind
// order, the owner of each command and request type, and the worker pool.
type endpoints struct {
	lifecycle

	mu       sync.RWMutex
	bindings []*binding
	byKey    map[string]*binding
	owners   map[string]*binding
	locked   bool
	fallback ErrorHandler

	slots    chan struct{}
	inFlight *syncx.Gate
}

func newEndpoints(concurrency int, fallback ErrorHandler) endpoints {
	if concurrency <= 0 {
		concurrency = 1
	}
	return endpoints{
		byKey:    make(map[string]*binding),
		owners:   make(map[string]*binding),
		fallback: fallback,
		slots:    make(chan struct{}, concurrency),
		inFlight: syncx.NewGate(0),
	}
}

func (e *endpoints) Bind(identity envelope.Identity, handler MessageHandler, types TypeProvider) error {
	if identity.IsZero() {
		return errspkg.NewConfigurationError("endpoint identity is required")
	}
	if err := identity.Validate(); err != nil {
		return errspkg.NewConfigurationError("%v", err)
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	var infos []envelope.TypeInfo
	if types != nil {
		infos = types()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return errspkg.ErrTopologyLocked
	}
	if _, exists := e.byKey[identity.Key()]; exists {
		return errspkg.NewConfigurationError("endpoint %s is already bound", identity)
	}

	b := &binding{identity: identity, handler: handler, types: infos}
	e.bindings = append(e.bindings, b)
	e.byKey[identity.Key()] = b
	for _, info := range infos {
		if info.Kind != envelope.KindCommand && info.Kind != envelope.KindRequest {
			continue
		}
		// The first bound endpoint owns a command or request type.
		if _, owned := e.owners[info.Name]; !owned {
			e.owners[info.Name] = b
		}
	}
	return nil
}

func (e *endpoints) BindErrorHandler(identity envelope.Identity, fn ErrorHandler) error {
	e.mu.RLock()
	b, ok := e.byKey[identity.Key()]
	e.mu.RUnlock()
	if !ok {
		return errspkg.ErrNotBound
	}
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
	return nil
}

func (e *endpoints) lock() {
	e.mu.Lock()
	e.locked = true
	e.mu.Unlock()
}

func (e *endpoints) snapshot() []*binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.bindings)
}

func (e *endpoints) owner(typeName string) (*binding, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.owners[typeName]
	return b, ok
}

func (e *endpoints) lookup(identity envelope.Identity) (*binding, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.byKey[identity.Key()]
	return b, ok
}

func (e *endpoints) subscribers(typeName string) []*binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*binding
	for _, b := range e.bindings {
		if b.handles(typeName) {
			out = append(out, b)
		}
	}
	return out
}

// dispatch runs the handler of target on a worker. It blocks for a free
// worker until loopCtx ends and reports false if none became free. The
// handler runs on a context detached from loopCtx so shutdown lets it finish.
func (e *endpoints) dispatch(loopCtx context.Context, target *binding, env *envelope.Envelope, done func(error)) bool {
	select {
	case e.slots <- struct{}{}:
	case <-loopCtx.Done():
		return false
	}
	e.inFlight.Increment()

	go func() {
		defer func() {
			<-e.slots
			e.inFlight.Decrement()
		}()
		ctx := context.WithoutCancel(loopCtx)
		err := invoke(ctx, target.handler, env)
		if err != nil {
			e.report(ctx, target, env, err)
		}
		if done != nil {
			done(err)
		}
	}()
	return true
}

func invoke(ctx context.Context, h MessageHandler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, env)
}

// report hands err to the endpoint's error handler, or the transport-wide
// fallback when none is bound. A panicking error handler is contained.
func (e *endpoints) report(ctx context.Context, target *binding, env *envelope.Envelope, err error) {
	fn := e.fallback
	if target != nil {
		if bound := target.errorHandler(); bound != nil {
			fn = bound
		}
	}
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(ctx, env, err)
}

// drain waits for in-flight handlers.
func (e *endpoints) drain(ctx context.Context) error {
	return e.inFlight.Wait(ctx)
}

// InFlight returns the number of handlers currently running.
func (e *endpoints) InFlight() int {
	return e.inFlight.Count()
}
