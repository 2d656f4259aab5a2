// Package transport binds topic registrations to a message broker.
// Each broker (kafka, rabbitmq, aws, ...) lives in its own sub-package and
// registers a Builder with the transport registry; the runtime only sees
// Subscription handles opened through a Broker.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// SubscriberFactory creates a subscriber bound to one subscription name:
// a Kafka consumer group, a NATS queue group, a JetStream durable, an SQS
// queue suffix.
type SubscriberFactory func(subscription string) (message.Subscriber, error)

// SequenceFunc extracts a broker-assigned sequence number from a delivery.
type SequenceFunc func(msg *message.Message) (int64, bool)

// Transport is what a Builder produces.
type Transport struct {
	Publisher     message.Publisher
	NewSubscriber SubscriberFactory
	// SequenceNumber is optional; without it deliveries are numbered per
	// subscription in receipt order.
	SequenceNumber SequenceFunc
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports, so that
// they do not depend on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetConnectionString is the broker connection resolved at startup. When
	// set it takes precedence over the per-transport address.
	GetConnectionString() string

	GetKafkaBrokers() []string
	GetRabbitMQURL() string
	GetNATSURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

type connectionOverride struct {
	Config
	connection string
}

func (c connectionOverride) GetConnectionString() string { return c.connection }

// WithConnectionString overrides the connection string reported by cfg.
func WithConnectionString(cfg Config, connection string) Config {
	if cfg == nil || connection == "" {
		return cfg
	}
	return connectionOverride{Config: cfg, connection: connection}
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// StaticConfig is a Config backed by plain fields, for tests and embedded
// setups that do not load a config file.
type StaticConfig struct {
	PubSubSystem     string
	ConnectionString string
	KafkaBrokers     []string
	RabbitMQURL      string
	NATSURL          string

	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c StaticConfig) GetPubSubSystem() string       { return c.PubSubSystem }
func (c StaticConfig) GetConnectionString() string   { return c.ConnectionString }
func (c StaticConfig) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c StaticConfig) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c StaticConfig) GetNATSURL() string            { return c.NATSURL }
func (c StaticConfig) GetAWSRegion() string          { return c.AWSRegion }
func (c StaticConfig) GetAWSAccountID() string       { return c.AWSAccountID }
func (c StaticConfig) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c StaticConfig) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c StaticConfig) GetAWSEndpoint() string        { return c.AWSEndpoint }
