// Package channel provides an in-process watermill Go channel broker. It is
// useful for tests and for running several endpoints in one binary.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. The prefetch count sizes each
// subscriber's output buffer.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(channelConfig(cfg), logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

func channelConfig(cfg transport.Config) gochannel.Config {
	return gochannel.Config{OutputChannelBuffer: max(int64(cfg.GetPrefetchCount()), 0)}
}

// Bus is one Go channel broker shared by every transport built from it, so
// endpoints hosted in the same process see each other's messages. Transports
// built by the bus leave it open; Close shuts it down.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// NewBus starts a shared broker. Messages published before a subscriber
// exists are dropped unless persistent is set.
func NewBus(buffer int64, persistent bool, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{pubSub: gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: max(buffer, 0),
		Persistent:          persistent,
	}, logger)}
}

// Build hands out the shared broker. It has the signature of a
// transport.Builder.
func (b *Bus) Build(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
	shared := sharedPubSub{b.pubSub}
	return transport.Transport{Publisher: shared, Subscriber: shared}, nil
}

// RegisterOn binds the bus under TransportName in registry.
func (b *Bus) RegisterOn(registry *transport.Registry) {
	registry.RegisterWithCapabilities(TransportName, b.Build, transport.ChannelCapabilities)
}

// Close stops the broker and closes every subscription.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

type sharedPubSub struct {
	*gochannel.GoChannel
}

func (sharedPubSub) Close() error { return nil }

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
