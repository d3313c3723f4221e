// Package rabbitmq provides a RabbitMQ transport. Every endpoint instance
// shares one durable queue per topic, so commands and requests are load
// balanced across instances of the same endpoint.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("rabbitmq: url is required")
	}

	connCfg := ConnectionConfig(cfg)
	amqpConfig := AMQPConfig(cfg)

	conn, err := ConnectionFactory(connCfg, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectionConfig derives the heartbeat and reconnect backoff of the shared
// connection.
func ConnectionConfig(cfg transport.Config) amqp.ConnectionConfig {
	reconnect := amqp.DefaultReconnectConfig()
	if d := cfg.GetReconnectInitialInterval(); d > 0 {
		reconnect.BackoffInitialInterval = d
	}
	if d := cfg.GetReconnectMaxInterval(); d > 0 {
		reconnect.BackoffMaxInterval = d
	}

	conn := amqp.ConnectionConfig{
		AmqpURI:   cfg.GetRabbitMQURL(),
		Reconnect: reconnect,
	}
	if hb := cfg.GetHeartbeatInterval(); hb > 0 {
		conn.AmqpConfig = &amqp091.Config{
			Heartbeat: hb,
			Locale:    "en_US",
		}
	}
	return conn
}

// AMQPConfig builds durable fanout exchanges per topic with one queue per
// topic and endpoint. The prefetch count becomes the channel QoS.
func AMQPConfig(cfg transport.Config) amqp.Config {
	generate := amqp.GenerateQueueNameTopicName
	if name := cfg.GetEndpointName(); name != "" {
		generate = amqp.GenerateQueueNameTopicNameWithSuffix(name)
	}

	amqpConfig := amqp.NewDurablePubSubConfig(cfg.GetRabbitMQURL(), generate)
	amqpConfig.Connection = ConnectionConfig(cfg)
	if prefetch := cfg.GetPrefetchCount(); prefetch > 0 {
		amqpConfig.Consume.Qos.PrefetchCount = prefetch
	}
	return amqpConfig
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
