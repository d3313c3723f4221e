package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
)

// Metadata keys added to dead-lettered messages.
const (
	MetadataError       = "courier_error"
	MetadataOriginTopic = "courier_origin_topic"
	MetadataFailedAt    = "courier_failed_at"
)

// ReplyTopicPrefix prefixes the per-instance reply topics.
const ReplyTopicPrefix = "courier.reply."

// BrokerConfig tunes the broker transport.
type BrokerConfig struct {
	Concurrency int
	// PoisonTopic receives dead-lettered and undecodable messages.
	PoisonTopic  string
	DrainTimeout time.Duration
	OnError      ErrorHandler
}

// BrokerTransport carries envelopes over a watermill publisher/subscriber
// pair. Every message type has its own topic and every endpoint instance a
// reply topic. Only the first local endpoint owning a command or request type
// subscribes to it; competing instances are balanced by the broker.
type BrokerTransport struct {
	endpoints
	cfg        BrokerConfig
	publisher  message.Publisher
	subscriber message.Subscriber
	codec      *envelope.WireCodec

	readers sync.WaitGroup
}

func NewBrokerTransport(publisher message.Publisher, subscriber message.Subscriber, codec *envelope.WireCodec, cfg BrokerConfig) (*BrokerTransport, error) {
	if publisher == nil || subscriber == nil {
		return nil, errors.New("courier: broker transport needs a publisher and a subscriber")
	}
	if codec == nil {
		return nil, errors.New("courier: broker transport needs a wire codec")
	}
	if cfg.PoisonTopic == "" {
		cfg.PoisonTopic = config.DefaultPoisonQueue
	}
	return &BrokerTransport{
		endpoints:  newEndpoints(cfg.Concurrency, cfg.OnError),
		cfg:        cfg,
		publisher:  publisher,
		subscriber: subscriber,
		codec:      codec,
	}, nil
}

// TypeTopic returns the topic carrying messages of the named type.
func TypeTopic(typeName string) string {
	return sanitizeTopic(typeName)
}

// ReplyTopic returns the topic carrying replies to identity.
func ReplyTopic(identity envelope.Identity) string {
	return ReplyTopicPrefix + sanitizeTopic(strings.ToLower(identity.LogicalName)) + "." +
		sanitizeTopic(strings.ToLower(identity.InstanceName))
}

func sanitizeTopic(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// Enqueue publishes env. Replies without a destination are declined.
func (t *BrokerTransport) Enqueue(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	topic := TypeTopic(env.ReflectedType())
	if env.Kind() == envelope.KindReply {
		destination, ok := env.Destination()
		if !ok {
			return false, nil
		}
		topic = ReplyTopic(destination)
	}

	msg, err := t.codec.Marshal(env)
	if err != nil {
		return false, err
	}
	msg.SetContext(ctx)
	if err := t.publisher.Publish(topic, msg); err != nil {
		return false, fmt.Errorf("publish %s to %s: %w", env.ID(), topic, err)
	}
	return true, nil
}

// DeadLetter publishes env to the poison topic with the failure attached.
func (t *BrokerTransport) DeadLetter(ctx context.Context, env *envelope.Envelope, cause error) error {
	msg, err := t.codec.Marshal(env)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	return t.poison(msg, TypeTopic(env.ReflectedType()), cause)
}

func (t *BrokerTransport) poison(msg *message.Message, origin string, cause error) error {
	parked := msg.Copy()
	if cause != nil {
		parked.Metadata.Set(MetadataError, cause.Error())
	}
	parked.Metadata.Set(MetadataOriginTopic, origin)
	parked.Metadata.Set(MetadataFailedAt, time.Now().UTC().Format(time.RFC3339Nano))
	if err := t.publisher.Publish(t.cfg.PoisonTopic, parked); err != nil {
		return fmt.Errorf("publish %s to poison topic %s: %w", msg.UUID, t.cfg.PoisonTopic, err)
	}
	return nil
}

// Topics lists the topics each bound endpoint consumes.
func (t *BrokerTransport) Topics() map[string][]string {
	out := make(map[string][]string)
	for _, b := range t.snapshot() {
		out[b.identity.String()] = t.topicsOf(b)
	}
	return out
}

func (t *BrokerTransport) topicsOf(b *binding) []string {
	var topics []string
	for _, info := range b.types {
		switch info.Kind {
		case envelope.KindReply:
			continue
		case envelope.KindCommand, envelope.KindRequest:
			if owner, ok := t.owner(info.Name); !ok || owner != b {
				continue
			}
		}
		topics = append(topics, TypeTopic(info.Name))
	}
	return append(topics, ReplyTopic(b.identity))
}

// RunBackgroundMessageProcessing subscribes every bound endpoint and consumes
// until ctx ends.
func (t *BrokerTransport) RunBackgroundMessageProcessing(ctx context.Context) error {
	if err := t.start(); err != nil {
		return err
	}
	t.lock()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, b := range t.snapshot() {
		for _, topic := range t.topicsOf(b) {
			ch, err := t.subscriber.Subscribe(subCtx, topic)
			if err != nil {
				cancel()
				_ = t.stop()
				return fmt.Errorf("subscribe %s to %s: %w", b.identity, topic, err)
			}
			t.readers.Add(1)
			go t.consume(subCtx, b, topic, ch)
		}
	}
	if r, ok := t.subscriber.(subscriptionsReady); ok {
		if err := r.SubscriptionsReady(); err != nil {
			cancel()
			_ = t.stop()
			return fmt.Errorf("start subscriber: %w", err)
		}
	}
	t.advance(StatusRunning)

	<-ctx.Done()
	cancel()
	return t.stop()
}

// subscriptionsReady is implemented by subscribers that can only start
// receiving once every topic is subscribed, such as an HTTP server.
type subscriptionsReady interface {
	SubscriptionsReady() error
}

func (t *BrokerTransport) consume(ctx context.Context, b *binding, topic string, ch <-chan *message.Message) {
	defer t.readers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.handle(ctx, b, topic, msg)
		}
	}
}

func (t *BrokerTransport) handle(ctx context.Context, b *binding, topic string, msg *message.Message) {
	env, err := t.codec.Unmarshal(msg)
	if err != nil {
		detached := context.WithoutCancel(ctx)
		if perr := t.poison(msg, topic, err); perr != nil {
			err = errors.Join(err, perr)
		}
		t.report(detached, b, nil, err)
		msg.Ack()
		return
	}

	// Handled and suppressed messages come back with a nil error. Anything
	// else was reported and goes back to the broker for redelivery.
	if !t.dispatch(ctx, b, env, settle(msg)) {
		msg.Nack()
	}
}

func settle(msg *message.Message) func(error) {
	return func(err error) {
		if err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	}
}

func (t *BrokerTransport) stop() error {
	t.advance(StatusStopping)
	t.readers.Wait()

	drainCtx := context.Background()
	if t.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, t.cfg.DrainTimeout)
		defer cancel()
	}
	err := t.drain(drainCtx)
	t.advance(StatusStopped)
	return err
}

// Close closes the publisher and the subscriber.
func (t *BrokerTransport) Close() error {
	return errors.Join(t.subscriber.Close(), t.publisher.Close())
}

var (
	_ Transport    = (*BrokerTransport)(nil)
	_ DeadLetterer = (*BrokerTransport)(nil)
)
