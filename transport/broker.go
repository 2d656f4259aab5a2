package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
)

// DefaultDeadLetterSuffix is appended to "<topic>-<subscription>" to name the
// dead-letter topic of a registration.
const DefaultDeadLetterSuffix = "-deadletter"

// Opener opens the two handles a topic registration owns.
type Opener interface {
	OpenLive(ctx context.Context, topic, subscription string) (Subscription, error)
	OpenDeadLetter(ctx context.Context, topic, subscription string) (Subscription, error)
}

// DeadLetterSink is implemented by openers that let a registration move a
// delivery to its dead-letter topic itself.
type DeadLetterSink interface {
	DeadLetterTopic(topic, subscription string) string
	// DeadLetterPublisher is nil when the broker dead-letters on its own.
	DeadLetterPublisher() message.Publisher
}

// BrokerOptions tune the subscriptions a Broker opens.
type BrokerOptions struct {
	DeadLetterSuffix string
	PollTimeout      time.Duration
	ShutdownTimeout  time.Duration
}

// Broker opens Watermill-backed subscriptions on a built Transport.
type Broker struct {
	transport Transport
	caps      Capabilities
	logger    watermill.LoggerAdapter
	opts      BrokerOptions
}

func NewBroker(tr Transport, caps Capabilities, logger watermill.LoggerAdapter, opts BrokerOptions) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.DeadLetterSuffix == "" {
		opts.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	return &Broker{transport: tr, caps: caps, logger: logger, opts: opts}
}

// DeadLetterTopic names the dead-letter topic of a registration.
func DeadLetterTopic(topic, subscription, suffix string) string {
	if suffix == "" {
		suffix = DefaultDeadLetterSuffix
	}
	return topic + "-" + subscription + suffix
}

func (b *Broker) Capabilities() Capabilities {
	return b.caps
}

// DeadLetterTopic names the dead-letter topic this broker drains for a registration.
func (b *Broker) DeadLetterTopic(topic, subscription string) string {
	return DeadLetterTopic(topic, subscription, b.opts.DeadLetterSuffix)
}

func (b *Broker) DeadLetterPublisher() message.Publisher {
	if b.caps.SupportsNativeDLQ {
		return nil
	}
	return b.transport.Publisher
}

func (b *Broker) OpenLive(ctx context.Context, topic, subscription string) (Subscription, error) {
	return b.open(ctx, topic, subscription, PeekLock)
}

// OpenDeadLetter opens the registration's dead-letter topic in
// receive-and-delete mode.
func (b *Broker) OpenDeadLetter(ctx context.Context, topic, subscription string) (Subscription, error) {
	return b.open(ctx, b.DeadLetterTopic(topic, subscription), subscription, ReceiveAndDelete)
}

func (b *Broker) open(ctx context.Context, topic, subscription string, mode ReceiveMode) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subscriber, err := b.transport.NewSubscriber(subscription)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "open", Topic: topic, Err: err}
	}
	b.logger.Info("Opened subscription", watermill.LogFields{
		"topic":        topic,
		"subscription": subscription,
		"mode":         mode.String(),
	})
	return NewSubscription(subscriber, SubscriptionConfig{
		Topic:           topic,
		Mode:            mode,
		PollTimeout:     b.opts.PollTimeout,
		ShutdownTimeout: b.opts.ShutdownTimeout,
		SequenceNumber:  b.transport.SequenceNumber,
		Logger:          b.logger,
	}), nil
}

// Publish sends messages to topic through the transport's publisher.
func (b *Broker) Publish(topic string, msgs ...*message.Message) error {
	if b.transport.Publisher == nil {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: errspkg.ErrUnsupportedCapability}
	}
	if err := b.transport.Publisher.Publish(topic, msgs...); err != nil {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Close releases the publisher. Subscriptions are closed by their owners.
func (b *Broker) Close() error {
	if b.transport.Publisher == nil {
		return nil
	}
	return b.transport.Publisher.Close()
}
