package transport

// Capabilities describes what a broker guarantees to the broker transport
// built on top of it.
type Capabilities struct {
	Name string

	// Durable brokers keep messages across broker and process restarts.
	Durable bool
	// Ordered brokers deliver the messages of one topic in publish order.
	Ordered bool
	// Acknowledged brokers wait for an ack after dispatch before they forget
	// a message.
	Acknowledged bool
	// Redelivers reports whether a nack or a missing ack causes redelivery.
	Redelivers bool
	// NativeDeadLetter brokers can route failed messages themselves. The
	// broker transport still publishes to the poison topic on all of them.
	NativeDeadLetter bool
	// PropagatesHeaders brokers carry message metadata, and with it the
	// envelope headers and trace context, end to end.
	PropagatesHeaders bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery: a message that was
// not acknowledged comes back.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.Acknowledged && c.Redelivers
}

var (
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		Ordered:           true,
		Acknowledged:      true,
		Redelivers:        true,
		PropagatesHeaders: true,
	}

	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		Durable:           true,
		Ordered:           true,
		Acknowledged:      true,
		PropagatesHeaders: true,
		MaxMessageSize:    1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		Durable:           true,
		Ordered:           true,
		Acknowledged:      true,
		Redelivers:        true,
		NativeDeadLetter:  true,
		PropagatesHeaders: true,
	}

	NATSCapabilities = Capabilities{
		Name:              "nats",
		PropagatesHeaders: true,
		MaxMessageSize:    1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		Durable:           true,
		Acknowledged:      true,
		Redelivers:        true,
		NativeDeadLetter:  true,
		PropagatesHeaders: true,
		MaxMessageSize:    256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:              "http",
		PropagatesHeaders: true,
	}
)

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
