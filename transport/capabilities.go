package transport

// Capabilities describes what a broker offers the topic registrations.
type Capabilities struct {
	Name string

	// SupportsNativeDLQ means the broker moves failed deliveries to the
	// dead-letter topic itself (redrive policy, dead-letter exchange).
	// Otherwise registrations publish a delivery there once it reaches the
	// max delivery count.
	SupportsNativeDLQ bool

	// SupportsOrdering means deliveries within a subscription keep publish order.
	SupportsOrdering bool

	// SupportsAck means Complete removes the message from the subscription.
	SupportsAck bool

	// SupportsNack means Abandon makes the message available for redelivery.
	SupportsNack bool

	// SupportsSequenceNumbers means the broker stamps a sequence number on
	// each message; otherwise the subscription numbers deliveries itself.
	SupportsSequenceNumbers bool

	// SupportsCompetingConsumers means several processes sharing a
	// subscription name split the messages between them.
	SupportsCompetingConsumers bool

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Warnings lists the ways the broker falls short of complete/abandon
// semantics, for logging at startup.
func (c Capabilities) Warnings() []string {
	var warnings []string
	if !c.SupportsAck {
		warnings = append(warnings, "completed messages are not acknowledged by the broker")
	}
	if !c.SupportsNack {
		warnings = append(warnings, "abandoned messages are not redelivered by the broker")
	}
	return warnings
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsSequenceNumbers:    true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                       "nats-jetstream",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsSequenceNumbers:    true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             262144,
	}
)
