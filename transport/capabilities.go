package transport

// Capabilities describes what a sink transport guarantees for published
// accounting events.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string `json:"name"`

	// Durable indicates published events survive a restart of the adaptor.
	Durable bool `json:"durable"`

	// SupportsOrdering indicates events of one topic are delivered in
	// publish order. Interim and stop records of a dialog rely on it.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsBatching indicates one Publish call with several messages is
	// applied as a unit. Transacted fires are committed through it.
	SupportsBatching bool `json:"supports_batching"`

	// SupportsAck indicates consumers acknowledge events explicitly.
	SupportsAck bool `json:"supports_ack"`

	// SupportsSubscribe indicates the transport also yields a subscriber.
	SupportsSubscribe bool `json:"supports_subscribe"`

	// SupportsTracing indicates metadata headers travel with the event.
	SupportsTracing bool `json:"supports_tracing"`

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"max_message_size"`
}

// AtomicBatches reports whether a transacted unit can be published in one
// call without partial delivery.
func (c Capabilities) AtomicBatches() bool {
	return c.SupportsBatching && c.Durable
}

// Replayable reports whether events can be read back after publishing.
func (c Capabilities) Replayable() bool {
	return c.Durable && c.SupportsSubscribe
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsSubscribe: true,
	}

	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		Durable:           true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsSubscribe: true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		Durable:           true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsSubscribe: true,
		SupportsTracing:   true,
	}

	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsSubscribe: true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:              "jetstream",
		Durable:           true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsSubscribe: true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		Durable:           true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsSubscribe: true,
		SupportsTracing:   true,
		MaxMessageSize:    262144,
	}

	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		Durable:           true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsSubscribe: false,
	}

	RedisCapabilities = Capabilities{
		Name:              "redis",
		Durable:           true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsSubscribe: false,
		SupportsTracing:   true,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		Durable:          true,
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities registered for transportName in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
