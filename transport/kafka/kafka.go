// Package kafka provides a Kafka transport. A subscription name becomes the
// consumer group and the partition offset the sequence number.
package kafka

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/topicplugins/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register adds the Kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka transport. A connection string, when present, is a
// comma separated broker list and replaces the configured brokers.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := Brokers(cfg)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			return SubscriberFactory(
				kafka.SubscriberConfig{
					Brokers:       brokers,
					Unmarshaler:   kafka.DefaultMarshaler{},
					ConsumerGroup: subscription,
				},
				logger,
			)
		},
		SequenceNumber: partitionOffset,
	}, nil
}

// Brokers returns the broker list for cfg.
func Brokers(cfg transport.Config) []string {
	conn := strings.TrimSpace(cfg.GetConnectionString())
	if conn == "" {
		return cfg.GetKafkaBrokers()
	}
	var brokers []string
	for _, b := range strings.Split(conn, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func partitionOffset(msg *message.Message) (int64, bool) {
	return kafka.MessagePartitionOffsetFromCtx(msg.Context())
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
