package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
)

// ErrSubscriptionClosed is wrapped in the TransportError returned once a
// subscription stops delivering.
var ErrSubscriptionClosed = errors.New("subscription closed")

const (
	DefaultPollTimeout     = 2 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// ReceiveMode selects how deliveries are settled.
type ReceiveMode int

const (
	// PeekLock leaves settlement to Complete or Abandon.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete acknowledges every delivery as soon as it is received.
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	if m == ReceiveAndDelete {
		return "receive_and_delete"
	}
	return "peek_lock"
}

// Callback handles one live delivery. It must settle msg through Complete
// or Abandon; an unsettled message is abandoned when the callback returns.
type Callback func(ctx context.Context, msg *Message)

// MessageOptions bound live consumption.
type MessageOptions struct {
	// MaxConcurrent is the number of deliveries handled at once, at least 1.
	MaxConcurrent int
	// LockRenewalTimeout caps how long one callback may hold a delivery.
	LockRenewalTimeout time.Duration
	// OnError receives delivery failures that no callback saw.
	OnError func(err error)
}

// Subscription is a handle on one topic subscription.
type Subscription interface {
	// ReceiveOne waits up to the poll timeout for a delivery and returns
	// (nil, nil) when none is available.
	ReceiveOne(ctx context.Context) (*Message, error)
	// OnMessage starts push-style consumption and returns immediately.
	OnMessage(ctx context.Context, cb Callback, opts MessageOptions) error
	Complete(msg *Message) error
	Abandon(msg *Message) error
	// Close stops consumption, waits for in-flight callbacks and releases
	// the subscriber. It is idempotent.
	Close() error
}

// SubscriptionConfig configures a WatermillSubscription.
type SubscriptionConfig struct {
	Topic           string
	Mode            ReceiveMode
	PollTimeout     time.Duration
	ShutdownTimeout time.Duration
	SequenceNumber  SequenceFunc
	Logger          watermill.LoggerAdapter
}

// WatermillSubscription implements Subscription over a Watermill subscriber.
// Complete maps to Ack and Abandon to Nack.
type WatermillSubscription struct {
	subscriber message.Subscriber
	cfg        SubscriptionConfig
	logger     watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}

	mu       sync.Mutex
	messages <-chan *message.Message
	pumping  bool

	workers  sync.WaitGroup
	received atomic.Int64

	// abandoned counts abandons per message id, for DeliveryCount.
	attemptsMu sync.Mutex
	abandoned  map[string]int

	closeOnce sync.Once
	closeErr  error
}

func NewSubscription(subscriber message.Subscriber, cfg SubscriptionConfig) *WatermillSubscription {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WatermillSubscription{
		subscriber: subscriber,
		cfg:        cfg,
		logger: logger.With(watermill.LogFields{
			"topic": cfg.Topic,
			"mode":  cfg.Mode.String(),
		}),
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		abandoned: make(map[string]int),
	}
}

func (s *WatermillSubscription) channel() (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStopping() {
		return nil, s.closedError("subscribe")
	}
	if s.messages != nil {
		return s.messages, nil
	}
	ch, err := s.subscriber.Subscribe(s.ctx, s.cfg.Topic)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "subscribe", Topic: s.cfg.Topic, Err: err}
	}
	s.messages = ch
	return ch, nil
}

func (s *WatermillSubscription) ReceiveOne(ctx context.Context) (*Message, error) {
	ch, err := s.channel()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, s.closedError("receive")
		}
		msg := s.wrap(raw)
		if s.cfg.Mode == ReceiveAndDelete {
			_ = msg.complete()
		}
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-s.stop:
		return nil, s.closedError("receive")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *WatermillSubscription) OnMessage(ctx context.Context, cb Callback, opts MessageOptions) error {
	if cb == nil {
		return fmt.Errorf("transport: nil message callback for %s", s.cfg.Topic)
	}
	ch, err := s.channel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.pumping {
		s.mu.Unlock()
		return errspkg.ErrInvalidState
	}
	s.pumping = true
	s.mu.Unlock()

	workers := max(opts.MaxConcurrent, 1)
	base := context.WithoutCancel(ctx)
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.work(base, ch, cb, opts)
	}
	s.logger.Debug("Message pump started", watermill.LogFields{"workers": workers})
	return nil
}

func (s *WatermillSubscription) work(ctx context.Context, ch <-chan *message.Message, cb Callback, opts MessageOptions) {
	defer s.workers.Done()
	for {
		select {
		case <-s.stop:
			return
		case raw, ok := <-ch:
			if !ok {
				if !s.isStopping() {
					report(opts, s.closedError("receive"))
				}
				return
			}
			msg := s.wrap(raw)
			if s.isStopping() {
				_ = msg.abandon()
				return
			}
			s.dispatch(ctx, msg, cb, opts)
		}
	}
}

func (s *WatermillSubscription) dispatch(ctx context.Context, msg *Message, cb Callback, opts MessageOptions) {
	if opts.LockRenewalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.LockRenewalTimeout)
		defer cancel()
	}
	if s.cfg.Mode == ReceiveAndDelete {
		_ = msg.complete()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				report(opts, &errspkg.TransportError{Op: "dispatch", Topic: s.cfg.Topic, Err: fmt.Errorf("callback panicked: %v", r)})
			}
		}()
		cb(ctx, msg)
	}()

	if !msg.Settled() {
		_ = s.Abandon(msg)
		report(opts, &errspkg.TransportError{
			Op:    "dispatch",
			Topic: s.cfg.Topic,
			Err:   fmt.Errorf("message %s was not settled by its callback", msg.ID),
		})
	}
}

func report(opts MessageOptions, err error) {
	if opts.OnError != nil {
		opts.OnError(err)
	}
}

func (s *WatermillSubscription) wrap(raw *message.Message) *Message {
	fallback := s.received.Add(1)
	msg := NewMessage(raw, fallback)
	if s.cfg.SequenceNumber != nil {
		if seq, ok := s.cfg.SequenceNumber(raw); ok {
			msg.SequenceNumber = seq
		}
	}
	if s.cfg.Mode == PeekLock {
		s.attemptsMu.Lock()
		msg.DeliveryCount += s.abandoned[msg.ID]
		s.attemptsMu.Unlock()
	}
	return msg
}

func (s *WatermillSubscription) Complete(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("transport: complete nil message on %s", s.cfg.Topic)
	}
	if err := msg.complete(); err != nil {
		return err
	}
	s.attemptsMu.Lock()
	delete(s.abandoned, msg.ID)
	s.attemptsMu.Unlock()
	return nil
}

func (s *WatermillSubscription) Abandon(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("transport: abandon nil message on %s", s.cfg.Topic)
	}
	// Counted before the nack so the redelivery sees the new count.
	s.attemptsMu.Lock()
	s.abandoned[msg.ID]++
	s.attemptsMu.Unlock()
	if err := msg.abandon(); err != nil {
		s.attemptsMu.Lock()
		s.abandoned[msg.ID]--
		s.attemptsMu.Unlock()
		return err
	}
	return nil
}

func (s *WatermillSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.logger.Error("Timed out waiting for in-flight messages", nil, watermill.LogFields{
				"timeout": s.cfg.ShutdownTimeout.String(),
			})
		}

		s.cancel()
		if err := s.subscriber.Close(); err != nil {
			s.closeErr = &errspkg.TransportError{Op: "close", Topic: s.cfg.Topic, Err: err}
		}
	})
	return s.closeErr
}

func (s *WatermillSubscription) isStopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *WatermillSubscription) closedError(op string) error {
	return &errspkg.TransportError{Op: op, Topic: s.cfg.Topic, Err: ErrSubscriptionClosed}
}
