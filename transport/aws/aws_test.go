package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

func brokerConfig() *transporttest.Config {
	return &transporttest.Config{
		PubSubSystem: TransportName,
		EndpointName: "fulfilment",
		AWSRegion:    "eu-west-1",
		AWSAccountID: "123456789012",
	}
}

type captured struct {
	publisher  sns.PublisherConfig
	subscriber sns.SubscriberConfig
	pub        *transporttest.Publisher
}

func stubFactories(t *testing.T) *captured {
	t.Helper()
	loader, resolver, pubFactory, subFactory := DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory = loader, resolver, pubFactory, subFactory
	})

	c := &captured{pub: &transporttest.Publisher{}}
	DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		c.publisher = cfg
		return c.pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, _ sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		c.subscriber = cfg
		return &transporttest.Subscriber{}, nil
	}
	return c
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, Capabilities(), transport.GetCapabilities(TransportName))
}

func TestBuild(t *testing.T) {
	t.Run("resolves dotted topics to valid arns", func(t *testing.T) {
		c := stubFactories(t)

		tr, err := Build(context.Background(), brokerConfig(), watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, "eu-west-1", c.publisher.AWSConfig.Region)
		assert.Nil(t, c.publisher.OptFns)

		arn, err := c.publisher.TopicResolver.ResolveTopic(context.Background(), "shipping.ParcelPacked")
		require.NoError(t, err)
		assert.Equal(t, sns.TopicArn("arn:aws:sns:eu-west-1:123456789012:shipping-ParcelPacked"), arn)

		queue, err := c.subscriber.GenerateSqsQueueName(context.Background(), arn)
		require.NoError(t, err)
		assert.Equal(t, "shipping-ParcelPacked_fulfilment", queue)
	})

	t.Run("custom endpoint implies localstack account", func(t *testing.T) {
		c := stubFactories(t)
		cfg := brokerConfig()
		cfg.AWSAccountID = ""
		cfg.AWSEndpoint = "http://localhost:4566"

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, c.publisher.AWSConfig.BaseEndpoint)
		assert.Equal(t, "http://localhost:4566", *c.publisher.AWSConfig.BaseEndpoint)
		assert.Len(t, c.publisher.OptFns, 1)

		arn, err := c.publisher.TopicResolver.ResolveTopic(context.Background(), "audit")
		require.NoError(t, err)
		assert.Contains(t, string(arn), localstackAccountID)
	})

	t.Run("config loader failure", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no credentials")
		}
		_, err := Build(context.Background(), brokerConfig(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "no credentials")
	})

	t.Run("subscriber failure closes publisher", func(t *testing.T) {
		c := stubFactories(t)
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("queue policy denied")
		}
		_, err := Build(context.Background(), brokerConfig(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "queue policy denied")
		assert.True(t, c.pub.Closed)
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	account, region := resolveAccountAndRegion(&transporttest.Config{AWSAccountID: `"123456789012"`}, "us-east-2")
	assert.Equal(t, "123456789012", account)
	assert.Equal(t, "us-east-2", region)

	account, _ = resolveAccountAndRegion(&transporttest.Config{AWSAccountID: "42", AWSEndpoint: "http://localstack:4566"}, "")
	assert.Equal(t, localstackAccountID, account)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "orders-v2-PlaceOrder", SafeName("orders.v2.PlaceOrder"))
	assert.Equal(t, "courier-reply-billing-node_1", SafeName("courier.reply.billing.node_1"))
}
