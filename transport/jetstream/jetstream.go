// Package jetstream provides a NATS JetStream transport. Each subscription
// is a durable pull consumer and the stream sequence is the delivery's
// sequence number.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/topicplugins/internal/runtime/ids"
	"github.com/drblury/topicplugins/internal/runtime/metadata"
	"github.com/drblury/topicplugins/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream used when Config.StreamName is empty.
	DefaultStreamName = "TOPICPLUGINS"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	fetchBatch = 10
	fetchWait  = time.Second
)

// ErrClosed is returned when publishing or subscribing on a closed transport.
var ErrClosed = errors.New("jetstream transport is closed")

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a JetStream transport. The connection string, when set, is
// the server URL.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if conn := cfg.GetConnectionString(); conn != "" {
		url = conn
	}

	t, err := New(Config{URL: url}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: t,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			return t.Subscriber(subscription), nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream settings.
type Config struct {
	URL        string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport publishes into one stream and hands out per-subscription
// subscribers. Closing it closes the connection.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects to the server and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.InterestPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", t.config.StreamName, err)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Publish publishes messages to the topic's subject.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := Subject(t.config.StreamName, topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Close closes the connection. Subscribers stop fetching.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.nc.Close()
	})
	return nil
}

// Subscriber returns a subscriber whose consumers are durable per
// subscription and topic.
func (t *Transport) Subscriber(subscription string) message.Subscriber {
	return &subscriber{t: t, subscription: subscription, subs: map[string]*nats.Subscription{}}
}

type subscriber struct {
	t            *Transport
	subscription string

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.t.isClosed() {
		return nil, ErrClosed
	}

	cfg := s.t.config
	subject := Subject(cfg.StreamName, topic)
	durable := Durable(topic, s.subscription)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := s.t.js.AddConsumer(cfg.StreamName, consumerCfg); err != nil {
		if _, err := s.t.js.UpdateConsumer(cfg.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
		}
	}

	sub, err := s.t.js.PullSubscribe(subject, durable, nats.Bind(cfg.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.subs[topic] = sub

	output := make(chan *message.Message)
	go s.fetch(ctx, sub, output, topic)
	return output, nil
}

func (s *subscriber) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	logger := s.t.logger.With(watermill.LogFields{"topic": topic, "subscription": s.subscription})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.t.closed:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			logger.Error("Failed to fetch messages", err, nil)
			continue
		}

		for _, natsMsg := range msgs {
			if !s.deliver(ctx, natsMsg, output, logger) {
				return
			}
		}
	}
}

// deliver hands one message downstream and settles it with the server once
// the consumer acks or nacks. It reports false when delivery should stop.
func (s *subscriber) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message, logger watermill.LoggerAdapter) bool {
	msg := ToMessage(natsMsg)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			logger.Error("Failed to ack", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			logger.Error("Failed to nak", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	}
	return true
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

// ToMessage converts a JetStream message. The message ID comes from the
// de-duplication header and the stream sequence is recorded in metadata.
func ToMessage(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = ids.CreateULID()
	}

	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}

	if meta, err := natsMsg.Metadata(); err == nil {
		msg.Metadata.Set(metadata.KeySequenceNumber, strconv.FormatUint(meta.Sequence.Stream, 10))
	}
	return msg
}

// Subject maps a topic onto the stream's subject space.
func Subject(stream, topic string) string {
	return stream + "." + topic
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Durable is the consumer name for a topic and subscription.
func Durable(topic, subscription string) string {
	return durableReplacer.Replace(topic + "_" + subscription)
}
