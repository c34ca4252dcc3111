package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rfbridge/transport"
	"github.com/drblury/rfbridge/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.Durable)
	assert.True(t, caps.SupportsTracing)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestConnectionOptions(t *testing.T) {
	assert.Len(t, ConnectionOptions(), 3)
}

func overrideFactories(t *testing.T) {
	t.Helper()
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
}

func TestBuild(t *testing.T) {
	cfg := &transporttest.Config{NATSURL: "nats://localhost:4222"}

	t.Run("core subjects without jetstream", func(t *testing.T) {
		overrideFactories(t)
		pub := &transporttest.Publisher{}
		sub := transporttest.Subscriber{}

		PublisherFactory = func(c nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", c.URL)
			assert.True(t, c.JetStream.Disabled)
			assert.NotEmpty(t, c.NatsOptions)
			return pub, nil
		}
		SubscriberFactory = func(c nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.True(t, c.JetStream.Disabled)
			return sub, nil
		}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Equal(t, sub, tr.Subscriber)
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "URL is required")
	})

	t.Run("publisher error", func(t *testing.T) {
		overrideFactories(t)
		PublisherFactory = func(c nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("connection refused")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		overrideFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(c nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(c nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed())
	})
}
