// Package nats provides a NATS Core transport. Subscriptions map to queue
// groups; NATS Core has no redelivery, so Abandon only logs.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/topicplugins/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS Core transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := URL(cfg)
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
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
				nats.SubscriberConfig{
					URL:              url,
					QueueGroupPrefix: subscription,
					Unmarshaler:      marshaler,
				},
				logger,
			)
		},
	}, nil
}

// URL returns the server URL for cfg.
func URL(cfg transport.Config) string {
	if conn := cfg.GetConnectionString(); conn != "" {
		return conn
	}
	return cfg.GetNATSURL()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
