// Package channel provides an in-memory transport for tests and local runs.
// Each subscription name is a consumer group with its own ordered queue, so
// messages seeded on a topic before a subscription opens are delivered to it
// in publish order.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/topicplugins/internal/runtime/queue"
	"github.com/drblury/topicplugins/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the pubsub creation for testing.
var Factory = func(logger watermill.LoggerAdapter) *queue.PubSub {
	return queue.New(logger)
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates the in-memory pubsub. Closing the publisher closes it; the
// per-subscription subscribers share it and close as no-ops.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := Factory(logger)
	return transport.Transport{
		Publisher: pubSub,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			return pubSub.Subscriber(subscription), nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
