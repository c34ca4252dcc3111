// Package transport defines how fired accounting events leave the adaptor.
// Each sink transport (kafka, rabbitmq, aws, etc.) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// HandleMetadata is the message metadata key carrying the activity handle.
// Transports that partition or key their messages use it so every event of
// one accounting dialog stays in order.
const HandleMetadata = "handle"

// Transport is the publisher/subscriber pair produced by a builder. The
// subscriber is nil for publish-only sinks.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and, when present, the subscriber.
func (t Transport) Close() error {
	var first error
	if t.Publisher != nil {
		first = t.Publisher.Close()
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetSinkSystem returns the transport name.
	GetSinkSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetJournalFile() string

	// SQLite
	GetSQLiteFile() string

	// Redis
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// JournalReader is implemented by durable sinks that can replay the events
// they stored, oldest first.
type JournalReader interface {
	ReadJournal(ctx context.Context, topic string, limit int) ([]JournalEntry, error)
}

// JournalEntry is one stored event.
type JournalEntry struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}
