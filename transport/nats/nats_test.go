package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

func brokerConfig() *transporttest.Config {
	return &transporttest.Config{
		PubSubSystem:             TransportName,
		EndpointName:             "pricing",
		InstanceName:             "pricing-7f3a",
		NATSURL:                  "nats://localhost:4222",
		PrefetchCount:            3,
		HeartbeatInterval:        2 * time.Second,
		ReconnectInitialInterval: 750 * time.Millisecond,
	}
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.False(t, transport.GetCapabilities(TransportName).Acknowledged)
}

func TestConnectOptions(t *testing.T) {
	var opts nc.Options
	for _, apply := range ConnectOptions(brokerConfig()) {
		require.NoError(t, apply(&opts))
	}

	assert.Equal(t, "pricing-7f3a", opts.Name)
	assert.Equal(t, 2*time.Second, opts.PingInterval)
	assert.Equal(t, 750*time.Millisecond, opts.ReconnectWait)
	assert.Equal(t, -1, opts.MaxReconnect)
	assert.True(t, opts.RetryOnFailedConnect)
}

func TestBuild(t *testing.T) {
	pubFactory, subFactory := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = pubFactory, subFactory })

	t.Run("queue group per endpoint", func(t *testing.T) {
		var seen nats.SubscriberConfig
		PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.True(t, cfg.JetStream.Disabled)
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			seen = cfg
			return &transporttest.Subscriber{}, nil
		}

		tr, err := Build(context.Background(), brokerConfig(), watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, "pricing", seen.QueueGroupPrefix)
		assert.Equal(t, 3, seen.SubscribersCount)
		assert.Equal(t, "nats://localhost:4222", seen.URL)
	})

	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "url is required")
	})

	t.Run("subscriber failure closes publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("no servers available")
		}

		_, err := Build(context.Background(), brokerConfig(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "no servers available")
		assert.True(t, pub.Closed)
	})
}
