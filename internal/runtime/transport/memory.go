package transport

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
)

// MemoryConfig tunes the in-process transport.
type MemoryConfig struct {
	Concurrency   int
	QueueCapacity int
	// DrainTimeout bounds the wait for in-flight handlers on shutdown. Zero
	// waits until they finish.
	DrainTimeout time.Duration
	// OnError receives failures of endpoints without a bound error handler.
	OnError ErrorHandler
}

// MemoryTransport delivers envelopes between endpoints of one process. A
// command or request goes to the first endpoint bound for its type, an event
// to every endpoint handling its type, and a reply to the endpoint named by
// its destination header. Messages still queued at shutdown are dropped.
type MemoryTransport struct {
	endpoints
	cfg MemoryConfig

	mu     sync.Mutex
	queue  chan delivery
	closed bool
}

type delivery struct {
	target *binding
	env    *envelope.Envelope
}

func NewMemoryTransport(cfg MemoryConfig) *MemoryTransport {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = config.DefaultQueueCapacity
	}
	return &MemoryTransport{
		endpoints: newEndpoints(cfg.Concurrency, cfg.OnError),
		cfg:       cfg,
		queue:     make(chan delivery, cfg.QueueCapacity),
	}
}

// Enqueue routes env to its endpoints. It declines messages with no route, a
// full queue, or a stopped transport. Before the loop starts, accepted
// messages wait in the queue so startup actions can send.
func (t *MemoryTransport) Enqueue(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	targets, ok := t.route(env)
	if !ok {
		return false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.queue)+len(targets) > cap(t.queue) {
		return false, nil
	}
	for _, target := range targets {
		t.queue <- delivery{target: target, env: env}
	}
	return true, nil
}

func (t *MemoryTransport) route(env *envelope.Envelope) ([]*binding, bool) {
	switch env.Kind() {
	case envelope.KindCommand, envelope.KindRequest:
		owner, ok := t.owner(env.ReflectedType())
		if !ok {
			return nil, false
		}
		return []*binding{owner}, true
	case envelope.KindEvent:
		// An event nobody subscribes to is accepted and dropped.
		return t.subscribers(env.ReflectedType()), true
	case envelope.KindReply:
		destination, ok := env.Destination()
		if !ok {
			return nil, false
		}
		target, ok := t.lookup(destination)
		if !ok {
			return nil, false
		}
		return []*binding{target}, true
	}
	return nil, false
}

// RunBackgroundMessageProcessing consumes the queue until ctx ends.
func (t *MemoryTransport) RunBackgroundMessageProcessing(ctx context.Context) error {
	if err := t.start(); err != nil {
		return err
	}
	t.lock()
	t.advance(StatusRunning)

	for {
		select {
		case <-ctx.Done():
			return t.stop()
		case d := <-t.queue:
			if !t.dispatch(ctx, d.target, d.env, nil) {
				return t.stop()
			}
		}
	}
}

func (t *MemoryTransport) stop() error {
	t.advance(StatusStopping)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	drainCtx := context.Background()
	if t.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, t.cfg.DrainTimeout)
		defer cancel()
	}
	err := t.drain(drainCtx)
	t.advance(StatusStopped)
	return err
}

// Queued returns the number of deliveries waiting for a worker.
func (t *MemoryTransport) Queued() int {
	return len(t.queue)
}

var _ Transport = (*MemoryTransport)(nil)
