// Package kafka provides a Kafka transport. Instances of one endpoint join
// the same consumer group so each partition is handled by one of them.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker is required")
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         consumerGroup(cfg),
			OverwriteSaramaConfig: SubscriberSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func consumerGroup(cfg transport.Config) string {
	if group := cfg.GetKafkaConsumerGroup(); group != "" {
		return group
	}
	return cfg.GetEndpointName()
}

// PublisherSaramaConfig tunes metadata retries with the reconnect backoff.
func PublisherSaramaConfig(cfg transport.Config) *sarama.Config {
	sc := kafka.DefaultSaramaSyncPublisherConfig()
	sc.ClientID = clientID(cfg)
	if d := cfg.GetReconnectInitialInterval(); d > 0 {
		sc.Metadata.Retry.Backoff = d
	}
	return sc
}

// SubscriberSaramaConfig reads from the oldest offset so messages sent
// before the group first joined are not skipped.
func SubscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	sc := kafka.DefaultSaramaSubscriberConfig()
	sc.ClientID = clientID(cfg)
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if prefetch := cfg.GetPrefetchCount(); prefetch > 0 {
		sc.ChannelBufferSize = prefetch
	}
	if hb := cfg.GetHeartbeatInterval(); hb > 0 {
		sc.Consumer.Group.Heartbeat.Interval = hb
		// brokers require the session to outlive several heartbeats
		if sc.Consumer.Group.Session.Timeout < 3*hb {
			sc.Consumer.Group.Session.Timeout = 3 * hb
		}
	}
	if d := cfg.GetReconnectInitialInterval(); d > 0 {
		sc.Consumer.Retry.Backoff = d
		sc.Metadata.Retry.Backoff = d
	}
	return sc
}

func clientID(cfg transport.Config) string {
	if name := cfg.GetEndpointName(); name != "" {
		return name
	}
	return "courier"
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
