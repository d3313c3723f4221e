package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

func TestRegisterHandlerValidation(t *testing.T) {
	assert.ErrorIs(t, RegisterHandler[placeOrder](nil, func(context.Context, placeOrder) error { return nil }), errspkg.ErrServiceRequired)

	s := newTestService(t, newTestConfig("orders"), ServiceDependencies{})
	assert.ErrorIs(t, RegisterHandler[placeOrder](s, nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterHandler(s, func(context.Context, notKinded) error { return nil }), errspkg.ErrMessageKindUnknown)

	err := RegisterHandler(s, func(context.Context, priceQuoted) error { return nil })
	assert.True(t, errspkg.IsConfigurationError(err))

	require.NoError(t, RegisterHandler(s, func(context.Context, placeOrder) error { return nil }))
	err = RegisterHandler(s, func(context.Context, *placeOrder) error { return nil })
	assert.True(t, errspkg.IsConfigurationError(err))
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterHandlerWithExplicitKind(t *testing.T) {
	s := newTestService(t, newTestConfig("orders"), ServiceDependencies{})

	require.NoError(t, RegisterHandler(s, func(context.Context, notKinded) error { return nil },
		envelope.WithName("legacy.Ping"), envelope.WithKind(envelope.KindEvent)))

	info, ok := s.Types().Lookup("legacy.Ping")
	require.True(t, ok)
	assert.Equal(t, envelope.KindEvent, info.Kind)
}

func TestHandlerInfosDescribeHandlers(t *testing.T) {
	s := newTestService(t, newTestConfig("orders"), ServiceDependencies{})
	require.NoError(t, RegisterHandler(s, func(context.Context, placeOrder) error { return nil }))
	require.NoError(t, RegisterRequestHandler(s, func(context.Context, quotePrice) (priceQuoted, error) {
		return priceQuoted{}, nil
	}))

	infos := s.HandlerInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, "runtime.placeOrder-Handler", infos[0].Name)
	assert.Equal(t, "command", infos[0].Kind)
	assert.Equal(t, "runtime.quotePrice", infos[1].MessageType)
	assert.Equal(t, "request", infos[1].Kind)
	require.NotNil(t, infos[1].Stats)

	// The reply type is known even though no handler consumes it.
	_, ok := s.Types().Resolve(priceQuoted{})
	assert.True(t, ok)

	handled := s.handledTypes()
	require.Len(t, handled, 2)
	assert.Equal(t, "runtime.placeOrder", handled[0].Name)
}

func TestRegisterMessage(t *testing.T) {
	_, err := RegisterMessage(nil, placeOrder{})
	assert.ErrorIs(t, err, errspkg.ErrServiceRequired)

	s := newTestService(t, newTestConfig("orders"), ServiceDependencies{})
	info, err := RegisterMessage(s, &orderPlaced{})
	require.NoError(t, err)
	assert.Equal(t, "runtime.orderPlaced", info.Name)
	assert.Equal(t, envelope.KindEvent, info.Kind)
	assert.Empty(t, s.handledTypes())
}

func TestPointerHandlersReceivePayloadCopies(t *testing.T) {
	s := newTestService(t, newTestConfig("orders"), ServiceDependencies{})
	received := make(chan *placeOrder, 1)
	require.NoError(t, RegisterHandler(s, func(_ context.Context, cmd *placeOrder) error {
		received <- cmd
		return nil
	}))
	runService(t, s)

	require.NoError(t, s.Send(context.Background(), &placeOrder{OrderID: "o-10"}))
	select {
	case cmd := <-received:
		require.NotNil(t, cmd)
		assert.Equal(t, "o-10", cmd.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestPayloadAs(t *testing.T) {
	v, ok := payloadAs[placeOrder](placeOrder{OrderID: "a"})
	assert.True(t, ok)
	assert.Equal(t, "a", v.OrderID)

	p, ok := payloadAs[*placeOrder](placeOrder{OrderID: "b"})
	require.True(t, ok)
	assert.Equal(t, "b", p.OrderID)

	_, ok = payloadAs[*placeOrder](orderPlaced{})
	assert.False(t, ok)
	_, ok = payloadAs[placeOrder](nil)
	assert.False(t, ok)
}

func TestInvokeHandlerWithoutHandlerIsUnprocessable(t *testing.T) {
	s := newTestService(t, newTestConfig("orders"), ServiceDependencies{})
	env := newEnvelopeKit(t).create(t, context.Background(), placeOrder{})

	err := s.invokeHandler(context.Background(), pipeline.NewMessageContext(env, s.Identity()))
	assert.True(t, errspkg.IsUnprocessable(err))
	assert.ErrorIs(t, err, errspkg.ErrNoRoute)
}
