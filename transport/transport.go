// Package transport holds the registry of watermill broker builders used by
// courier's broker transport. Each broker lives in its own sub-package and
// registers itself when imported.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and then the publisher. Both errors are kept.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values broker builders read. It is satisfied by the
// endpoint configuration without importing it.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	// Endpoint identity. Queue and consumer group names derive from it.
	GetEndpointName() string
	GetInstanceName() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// Broker tuning
	GetPrefetchCount() int
	GetHeartbeatInterval() time.Duration
	GetReconnectInitialInterval() time.Duration
	GetReconnectMaxInterval() time.Duration

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
