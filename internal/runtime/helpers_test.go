package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	brokers "github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/channel"
)

type placeOrder struct {
	envelope.Command
	OrderID string
	Item    string
}

type orderPlaced struct {
	envelope.Event
	OrderID string
}

type quotePrice struct {
	envelope.Request
	Item string
}

type priceQuoted struct {
	envelope.Reply
	Item  string
	Cents int
}

type notKinded struct {
	Value string
}

var callerIdentity = envelope.NewIdentity("caller", "node-1")

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig(endpoint string) *configpkg.Config {
	return &configpkg.Config{
		EndpointName:         endpoint,
		InstanceName:         endpoint + "-1",
		Concurrency:          4,
		RetryMaxRetries:      2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		OutboxRelayInterval:  20 * time.Millisecond,
	}
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Registerer == nil {
		reg := prometheus.NewRegistry()
		deps.Registerer = reg
		deps.Gatherer = reg
	}
	s, err := NewService(context.Background(), conf, newTestLogger(), deps)
	require.NoError(t, err)
	return s
}

// runService starts s in the background and waits until its transport runs.
// The returned function stops it and reports the result of Start.
func runService(t *testing.T, s *Service) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, s.Ready, 2*time.Second, 5*time.Millisecond, "service did not become ready")

	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Errorf("service %s did not stop", s.Identity())
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// newSharedBroker returns a registry whose channel broker is one bus shared
// by every service built from it, plus a subscriber on that bus.
func newSharedBroker(t *testing.T) (message.Subscriber, *brokers.Registry) {
	t.Helper()
	bus := channel.NewBus(16, false, watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })

	registry := brokers.NewRegistry()
	bus.RegisterOn(registry)
	tr, err := bus.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	return tr.Subscriber, registry
}

func newBrokerConfig(endpoint string) *configpkg.Config {
	conf := newTestConfig(endpoint)
	conf.PubSubSystem = "channel"
	return conf
}

// recorder collects values handed to it from handler goroutines.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
