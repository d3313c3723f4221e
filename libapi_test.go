package courier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkStock struct {
	Request
	SKU string
}

type stockLevel struct {
	Reply
	SKU   string
	Units int
}

type reserveStock struct {
	Command
	SKU string
}

func TestRegistrationExportsPropagateErrors(t *testing.T) {
	err := RegisterHandler(nil, func(context.Context, reserveStock) error { return nil })
	assert.ErrorIs(t, err, ErrServiceRequired)

	err = RegisterRequestHandler(nil, func(context.Context, checkStock) (stockLevel, error) { return stockLevel{}, nil })
	assert.ErrorIs(t, err, ErrServiceRequired)
}

func TestSendRequestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, &Config{EndpointName: "stock"}, DiscardLogger(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, RegisterRequestHandler(svc, func(_ context.Context, req checkStock) (stockLevel, error) {
		return stockLevel{SKU: req.SKU, Units: 7}, nil
	}))

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	require.Eventually(t, svc.Ready, time.Second, 5*time.Millisecond)

	reply, err := SendRequest[stockLevel](ctx, svc, checkStock{SKU: "sku-1"})
	require.NoError(t, err)
	assert.Equal(t, "sku-1", reply.SKU)
	assert.Equal(t, 7, reply.Units)

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected stop error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestKindMarkers(t *testing.T) {
	assert.Equal(t, "command", KindCommand.String())
	assert.Equal(t, "reply", KindReply.String())
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	assert.NotPanics(t, func() { logger.Info("boot", LogFields{"component": "test"}) })
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"courier"}`), &payload))
	assert.Equal(t, "courier", payload["hello"])
}

func TestErrorCategoryConstants(t *testing.T) {
	assert.EqualValues(t, "none", ErrorCategoryNone)
	assert.EqualValues(t, "validation", ErrorCategoryValidation)
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
