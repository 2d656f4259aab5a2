// Package transports registers every built-in broker transport with the
// default registry. Import it for its side effect.
package transports

import (
	"github.com/drblury/topicplugins/transport/aws"
	"github.com/drblury/topicplugins/transport/channel"
	"github.com/drblury/topicplugins/transport/jetstream"
	"github.com/drblury/topicplugins/transport/kafka"
	"github.com/drblury/topicplugins/transport/nats"
	"github.com/drblury/topicplugins/transport/rabbitmq"
)

func init() {
	aws.Register()
	channel.Register()
	jetstream.Register()
	kafka.Register()
	nats.Register()
	rabbitmq.Register()
}
