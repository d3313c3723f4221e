package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/envelope"
)

type packParcel struct {
	envelope.Command
	Parcel string
}

type parcelPacked struct {
	envelope.Event
	Parcel string
}

type trackParcel struct {
	envelope.Request
	Parcel string
}

type parcelLocation struct {
	envelope.Reply
	Depot string
}

var (
	warehouse = envelope.NewIdentity("warehouse", "node-1")
	backup    = envelope.NewIdentity("warehouse", "node-2")
	courier   = envelope.NewIdentity("courier", "node-1")
	audit     = envelope.NewIdentity("audit", "node-1")
)

type kit struct {
	registry *envelope.Registry
	factory  *envelope.Factory
	codec    *envelope.WireCodec
}

func newKit(t *testing.T) kit {
	t.Helper()
	r := envelope.NewRegistry()
	for _, sample := range []any{packParcel{}, parcelPacked{}, trackParcel{}, parcelLocation{}} {
		_, err := r.Register(sample)
		require.NoError(t, err)
	}
	f, err := envelope.NewFactory(r, envelope.DefaultHeaderProviders()...)
	require.NoError(t, err)
	return kit{registry: r, factory: f, codec: envelope.NewWireCodec(r, nil)}
}

func (k kit) create(t *testing.T, payload any, sender envelope.Identity, initiator *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	env, err := k.factory.Create(context.Background(), payload, sender, initiator)
	require.NoError(t, err)
	return env
}

func (k kit) types(samples ...any) TypeProvider {
	return func() []envelope.TypeInfo {
		out := make([]envelope.TypeInfo, 0, len(samples))
		for _, s := range samples {
			info, ok := k.registry.Resolve(s)
			if ok {
				out = append(out, info)
			}
		}
		return out
	}
}

// inbox records the envelopes an endpoint handled.
type inbox struct {
	mu   sync.Mutex
	seen []*envelope.Envelope
}

func (i *inbox) handle(_ context.Context, env *envelope.Envelope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen = append(i.seen, env)
	return nil
}

func (i *inbox) ids() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.seen))
	for n, env := range i.seen {
		out[n] = env.ID()
	}
	return out
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}

type failures struct {
	mu   sync.Mutex
	errs []error
	envs []*envelope.Envelope
}

func (f *failures) handle(_ context.Context, env *envelope.Envelope, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.envs = append(f.envs, env)
}

func (f *failures) snapshot() ([]error, []*envelope.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...), append([]*envelope.Envelope(nil), f.envs...)
}

// running starts the loop and waits until it reports Running.
func running(t *testing.T, tr Transport) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	unsubscribe := tr.SubscribeStatus(func(c StatusChanged) {
		if c.Current == StatusRunning {
			close(ready)
		}
	})
	done := make(chan error, 1)
	go func() { done <- tr.RunBackgroundMessageProcessing(ctx) }()
	<-ready
	unsubscribe()
	return func() error {
		cancel()
		return <-done
	}
}
