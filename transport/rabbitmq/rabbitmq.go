// Package rabbitmq provides a RabbitMQ/AMQP transport. Each subscription
// gets its own durable queue bound to the topic exchange, so two
// subscriptions on one topic both see every message.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/topicplugins/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register adds the RabbitMQ transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build opens one AMQP connection shared by the publisher and every
// subscriber. The connection string, when set, is the AMQP URI.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := URI(cfg)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			return SubscriberFactory(SubscriberConfig(uri, subscription), logger, conn)
		},
	}, nil
}

// SubscriberConfig is the durable pub/sub config for one subscription. Its
// queue is named <topic>_<subscription>.
func SubscriberConfig(uri, subscription string) amqp.Config {
	return amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(subscription))
}

// URI returns the AMQP URI for cfg.
func URI(cfg transport.Config) string {
	if conn := cfg.GetConnectionString(); conn != "" {
		return conn
	}
	return cfg.GetRabbitMQURL()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
