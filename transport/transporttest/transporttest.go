// Package transporttest provides fakes for testing broker builders.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a settable transport.Config.
type Config struct {
	PubSubSystem             string
	EndpointName             string
	InstanceName             string
	KafkaBrokers             []string
	KafkaConsumerGroup       string
	RabbitMQURL              string
	NATSURL                  string
	HTTPServerAddress        string
	HTTPPublisherURL         string
	PrefetchCount            int
	HeartbeatInterval        time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	AWSRegion                string
	AWSAccountID             string
	AWSAccessKeyID           string
	AWSSecretAccessKey       string
	AWSEndpoint              string
}

func (c *Config) GetPubSubSystem() string                    { return c.PubSubSystem }
func (c *Config) GetEndpointName() string                    { return c.EndpointName }
func (c *Config) GetInstanceName() string                    { return c.InstanceName }
func (c *Config) GetKafkaBrokers() []string                  { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string              { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string                     { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string                         { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string               { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string                { return c.HTTPPublisherURL }
func (c *Config) GetPrefetchCount() int                      { return c.PrefetchCount }
func (c *Config) GetHeartbeatInterval() time.Duration        { return c.HeartbeatInterval }
func (c *Config) GetReconnectInitialInterval() time.Duration { return c.ReconnectInitialInterval }
func (c *Config) GetReconnectMaxInterval() time.Duration     { return c.ReconnectMaxInterval }
func (c *Config) GetAWSRegion() string                       { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string                    { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string                  { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string              { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string                     { return c.AWSEndpoint }

// Publisher records published messages per topic.
type Publisher struct {
	mu        sync.Mutex
	Published map[string][]*message.Message
	Closed    bool
	Err       error
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber hands out closed channels.
type Subscriber struct {
	mu     sync.Mutex
	Topics []string
	Closed bool
}

func (s *Subscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Topics = append(s.Topics, topic)
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Loopback is a publisher and subscriber in one. Published messages are
// handed to the topic's subscribers as is, so tests can watch their Acked and
// Nacked channels. Nacked messages are not redelivered.
type Loopback struct {
	mu     sync.Mutex
	topics map[string]chan *message.Message
	sent   map[string][]*message.Message
}

func (l *Loopback) channel(topic string) chan *message.Message {
	if l.topics == nil {
		l.topics = make(map[string]chan *message.Message)
		l.sent = make(map[string][]*message.Message)
	}
	ch, ok := l.topics[topic]
	if !ok {
		ch = make(chan *message.Message, 64)
		l.topics[topic] = ch
	}
	return ch
}

func (l *Loopback) Publish(topic string, messages ...*message.Message) error {
	l.mu.Lock()
	ch := l.channel(topic)
	l.sent[topic] = append(l.sent[topic], messages...)
	l.mu.Unlock()
	for _, msg := range messages {
		ch <- msg
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel(topic), nil
}

// Sent lists the messages published to topic.
func (l *Loopback) Sent(topic string) []*message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Message(nil), l.sent[topic]...)
}

func (l *Loopback) Close() error { return nil }
