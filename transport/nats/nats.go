// Package nats provides a NATS Core transport. Subscriptions join a queue
// group named after the endpoint so each message reaches one instance.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: url is required")
	}
	marshaler := &nats.NATSMarshaler{}
	options := ConnectOptions(cfg)
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: publisher: %w", err)
	}

	subscribers := cfg.GetPrefetchCount()
	if subscribers <= 0 {
		subscribers = 1
	}
	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetEndpointName(),
			SubscribersCount: subscribers,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        core,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectOptions names the connection after the instance and keeps it
// reconnecting with the configured ping and wait intervals.
func ConnectOptions(cfg transport.Config) []nc.Option {
	options := []nc.Option{
		nc.MaxReconnects(-1),
		nc.RetryOnFailedConnect(true),
	}
	if name := cfg.GetInstanceName(); name != "" {
		options = append(options, nc.Name(name))
	}
	if hb := cfg.GetHeartbeatInterval(); hb > 0 {
		options = append(options, nc.PingInterval(hb))
	}
	if d := cfg.GetReconnectInitialInterval(); d > 0 {
		options = append(options, nc.ReconnectWait(d))
	}
	return options
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
