package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	idspkg "github.com/drblury/topicplugins/internal/runtime/ids"
	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
	"github.com/drblury/topicplugins/internal/runtime/services"
	"github.com/drblury/topicplugins/transport"
)

// State is the lifecycle state of a TopicRegistration.
type State int32

const (
	StateUninitialized State = iota
	StateDrainingDeadLetter
	StateLivePumping
	StateClosed
	// StateFaulted means live consumption stopped without Close being called.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDrainingDeadLetter:
		return "draining_dead_letter"
	case StateLivePumping:
		return "live_pumping"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// LookupFactory builds the service lookup handed to plugins for one
// dispatch.
type LookupFactory func(ctx context.Context, exec *execution.Context) services.Lookup

// RegistrationOptions are the optional collaborators of a TopicRegistration.
type RegistrationOptions struct {
	Hooks   DispatchHooks
	Metrics *Metrics
	// Lookup defaults to a lookup with the execution context and a tracing
	// service only.
	Lookup LookupFactory
}

// RunOptions bound live consumption once the dead-letter queue is drained.
type RunOptions struct {
	MaxConcurrent      int
	LockRenewalTimeout time.Duration
	// MaxDeliveryCount moves a live message to the dead-letter topic when
	// it fails on that delivery. Zero or negative never dead-letters.
	MaxDeliveryCount int
	// OnError receives live failures. A live failure abandons one message
	// and never stops the pump.
	OnError func(err error)
}

// RegistrationStats is a snapshot of a registration's activity.
type RegistrationStats struct {
	Topic             string    `json:"topic"`
	Subscription      string    `json:"subscription"`
	State             string    `json:"state"`
	Plugins           []string  `json:"plugins"`
	DeadLetterDrained uint64    `json:"dead_letter_drained"`
	Completed         uint64    `json:"completed"`
	Abandoned         uint64    `json:"abandoned"`
	DeadLettered      uint64    `json:"dead_lettered"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitzero"`
}

// TopicRegistration pumps one topic subscription through a plugin chain.
// It drains the subscription's dead-letter queue before accepting live
// messages.
type TopicRegistration struct {
	topic        string
	subscription string
	chain        *PluginChain
	logger       loggingpkg.ServiceLogger
	opts         RegistrationOptions

	mu         sync.Mutex
	state      State
	live       transport.Subscription
	deadLetter transport.Subscription
	lastErr    error
	lastErrAt  time.Time

	// poison publishes a failed live delivery to the dead-letter topic;
	// nil when the broker dead-letters on its own.
	poison message.HandlerMiddleware

	drained      atomic.Uint64
	completed    atomic.Uint64
	abandoned    atomic.Uint64
	deadLettered atomic.Uint64
}

// NewTopicRegistration validates and builds a registration in the
// Uninitialized state.
func NewTopicRegistration(topic, subscription string, chain *PluginChain, logger loggingpkg.ServiceLogger, opts RegistrationOptions) (*TopicRegistration, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if subscription == "" {
		return nil, errspkg.ErrSubscriptionRequired
	}
	if chain == nil {
		return nil, errspkg.ErrPluginRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	r := &TopicRegistration{
		topic:        topic,
		subscription: subscription,
		chain:        chain,
		logger:       logger.With(loggingpkg.LogFields{"topic": topic, "subscription": subscription}),
		opts:         opts,
	}
	if r.opts.Lookup == nil {
		r.opts.Lookup = r.defaultLookup
	}
	r.opts.Metrics.SetState(topic, subscription, StateUninitialized)
	return r, nil
}

func (r *TopicRegistration) Topic() string        { return r.topic }
func (r *TopicRegistration) Subscription() string { return r.subscription }

// State returns the current lifecycle state.
func (r *TopicRegistration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *TopicRegistration) setStateLocked(s State) {
	r.state = s
	r.opts.Metrics.SetState(r.topic, r.subscription, s)
}

// Initialize opens the dead-letter and live handles.
func (r *TopicRegistration) Initialize(ctx context.Context, opener transport.Opener) error {
	if opener == nil {
		return errspkg.ErrOpenerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateUninitialized:
	case StateClosed:
		return errspkg.ErrRegistrationClosed
	default:
		return errspkg.ErrInvalidState
	}

	deadLetter, err := opener.OpenDeadLetter(ctx, r.topic, r.subscription)
	if err != nil {
		return err
	}
	live, err := opener.OpenLive(ctx, r.topic, r.subscription)
	if err != nil {
		_ = deadLetter.Close()
		return err
	}
	poison, err := r.poisonMiddleware(opener)
	if err != nil {
		_ = deadLetter.Close()
		_ = live.Close()
		return err
	}

	r.deadLetter, r.live, r.poison = deadLetter, live, poison
	r.setStateLocked(StateDrainingDeadLetter)
	r.logger.Info("Registration initialized", loggingpkg.LogFields{"plugins": r.chain.Plugins()})
	return nil
}

// Run drains the dead-letter queue and then starts live consumption. It
// returns once the live callback is registered. A dead-letter dispatch
// failure aborts Run; that message has already been removed from the queue
// and is lost.
func (r *TopicRegistration) Run(ctx context.Context, opts RunOptions) error {
	r.mu.Lock()
	if r.state != StateDrainingDeadLetter {
		state := r.state
		r.mu.Unlock()
		if state == StateClosed {
			return errspkg.ErrRegistrationClosed
		}
		return errspkg.ErrInvalidState
	}
	deadLetter, live := r.deadLetter, r.live
	r.mu.Unlock()

	if err := r.drain(ctx, deadLetter); err != nil {
		if r.State() == StateClosed {
			return nil
		}
		return err
	}

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.deadLetter = nil
	r.setStateLocked(StateLivePumping)
	r.mu.Unlock()

	if err := deadLetter.Close(); err != nil {
		r.logger.Error("Failed to close dead-letter subscription", err, nil)
	}

	r.logger.Info("Dead-letter queue drained, starting live consumption", loggingpkg.LogFields{
		"drained":        r.drained.Load(),
		"max_concurrent": opts.MaxConcurrent,
	})

	return live.OnMessage(ctx, r.liveCallback(live, opts), transport.MessageOptions{
		MaxConcurrent:      opts.MaxConcurrent,
		LockRenewalTimeout: opts.LockRenewalTimeout,
		OnError: func(err error) {
			if errors.Is(err, transport.ErrSubscriptionClosed) {
				r.fault(err)
			}
			r.reportLive(err, opts.OnError)
		},
	})
}

// poisonMiddleware builds the dead-letter publishing middleware when the
// opener lets registrations dead-letter their own deliveries.
func (r *TopicRegistration) poisonMiddleware(opener transport.Opener) (message.HandlerMiddleware, error) {
	sink, ok := opener.(transport.DeadLetterSink)
	if !ok {
		return nil, nil
	}
	pub := sink.DeadLetterPublisher()
	if pub == nil {
		return nil, nil
	}
	return middleware.PoisonQueueWithFilter(pub, sink.DeadLetterTopic(r.topic, r.subscription), isDeliveryLimit)
}

// fault moves a live pump whose subscription stopped on its own to
// StateFaulted.
func (r *TopicRegistration) fault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateLivePumping {
		return
	}
	r.setStateLocked(StateFaulted)
	r.logger.Error("Live subscription stopped unexpectedly", err, nil)
}

func (r *TopicRegistration) drain(ctx context.Context, deadLetter transport.Subscription) error {
	for {
		msg, err := deadLetter.ReceiveOne(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}

		exec, err := r.handle(ctx, msg, SourceDeadLetter)
		if err != nil {
			fields := loggingpkg.LogFields{
				"message_id":      msg.ID,
				"sequence_number": msg.SequenceNumber,
				"note":            "the message was already removed from the dead-letter queue and is lost",
			}
			if exec != nil {
				for k, v := range exec.LogFields() {
					fields[k] = v
				}
			}
			r.logger.Error("Failing dead-letter message", err, fields)
			r.recordError(err)
			r.opts.Metrics.MessageHandled(r.topic, r.subscription, SourceDeadLetter, OutcomeFailed)
			return err
		}

		r.drained.Add(1)
		r.opts.Metrics.MessageHandled(r.topic, r.subscription, SourceDeadLetter, OutcomeDrained)
	}
}

func (r *TopicRegistration) liveCallback(live transport.Subscription, opts RunOptions) transport.Callback {
	return func(ctx context.Context, msg *transport.Message) {
		deadLettered, err := r.dispatchLive(ctx, msg, opts.MaxDeliveryCount)
		switch {
		case deadLettered:
			if cerr := live.Complete(msg); cerr != nil {
				r.reportLive(errors.Join(err, cerr), opts.OnError)
				return
			}
			r.deadLettered.Add(1)
			r.opts.Metrics.MessageHandled(r.topic, r.subscription, SourceLive, OutcomeDeadLettered)
			r.logger.Error("Moved message to the dead-letter topic", err, loggingpkg.LogFields{
				"message_id":     msg.ID,
				"delivery_count": msg.DeliveryCount,
			})
			r.reportLive(err, opts.OnError)
		case err != nil:
			if aerr := live.Abandon(msg); aerr != nil {
				err = errors.Join(err, aerr)
			}
			r.abandoned.Add(1)
			r.opts.Metrics.MessageHandled(r.topic, r.subscription, SourceLive, OutcomeAbandoned)
			r.reportLive(err, opts.OnError)
		default:
			if err := live.Complete(msg); err != nil {
				r.reportLive(err, opts.OnError)
				return
			}
			r.completed.Add(1)
			r.opts.Metrics.MessageHandled(r.topic, r.subscription, SourceLive, OutcomeCompleted)
		}
	}
}

// dispatchLive runs the chain for one live delivery. A delivery that fails
// on its maxDeliveries-th attempt is published to the dead-letter topic and
// reported as dead-lettered along with the chain error.
func (r *TopicRegistration) dispatchLive(ctx context.Context, msg *transport.Message, maxDeliveries int) (bool, error) {
	var failure error
	handler := func(*message.Message) ([]*message.Message, error) {
		_, failure = r.handle(ctx, msg, SourceLive)
		if failure != nil && maxDeliveries > 0 && msg.DeliveryCount >= maxDeliveries {
			return nil, &deliveryLimitError{deliveries: msg.DeliveryCount, err: failure}
		}
		return nil, failure
	}

	raw := msg.Raw()
	if r.poison == nil || raw == nil {
		_, err := handler(raw)
		return false, err
	}
	if _, err := r.poison(handler)(raw); err != nil {
		return false, err
	}
	return failure != nil, failure
}

// deliveryLimitError marks a failure on the last allowed delivery.
type deliveryLimitError struct {
	deliveries int
	err        error
}

func (e *deliveryLimitError) Error() string {
	return fmt.Sprintf("max delivery count reached on delivery %d: %v", e.deliveries, e.err)
}

func (e *deliveryLimitError) Unwrap() error { return e.err }

func isDeliveryLimit(err error) bool {
	var limit *deliveryLimitError
	return errors.As(err, &limit)
}

func (r *TopicRegistration) reportLive(err error, onError func(error)) {
	r.recordError(err)
	r.opts.Metrics.LiveException(r.topic, r.subscription)
	if onError != nil {
		onError(err)
	}
}

// handle decodes msg and dispatches it. The decoded context is returned
// even when the chain fails, for logging.
func (r *TopicRegistration) handle(ctx context.Context, msg *transport.Message, source string) (*execution.Context, error) {
	info := DispatchInfo{
		Topic:          r.topic,
		Subscription:   r.subscription,
		Source:         source,
		MessageID:      msg.ID,
		SequenceNumber: msg.SequenceNumber,
		Metadata:       msg.Metadata,
		StartedAt:      time.Now(),
	}

	exec, err := execution.Decode(msg.ID, msg.Metadata.ContentType(), msg.Payload)
	if err != nil {
		info.CorrelationID = msg.Metadata.CorrelationID()
		r.opts.Hooks.finish(info, err)
		return nil, err
	}

	correlationID := exec.CorrelationID()
	if correlationID == "" {
		correlationID = idspkg.CorrelationID(msg.Metadata.CorrelationID())
		exec = exec.WithCorrelationID(correlationID)
	}
	info.CorrelationID = correlationID
	info.EntityName = exec.PrimaryEntityName()
	info.EntityID = exec.PrimaryEntityID()
	info.Operation = exec.MessageName()

	r.opts.Hooks.start(info)
	err = r.chain.Dispatch(ctx, exec, r.opts.Lookup(ctx, exec))
	info.Duration = time.Since(info.StartedAt)
	r.opts.Hooks.finish(info, err)
	return exec, err
}

func (r *TopicRegistration) defaultLookup(ctx context.Context, exec *execution.Context) services.Lookup {
	logger := r.logger.With(loggingpkg.LogFields(exec.LogFields()))
	return services.NewProvider(exec, services.NewTracingService(ctx, logger), nil)
}

func (r *TopicRegistration) recordError(err error) {
	r.mu.Lock()
	r.lastErr, r.lastErrAt = err, time.Now()
	r.mu.Unlock()
}

// Close closes the live and dead-letter handles. In-flight live dispatches
// finish first, bounded by the subscription's shutdown timeout. Close is
// idempotent and valid in every state.
func (r *TopicRegistration) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	live, deadLetter := r.live, r.deadLetter
	r.live, r.deadLetter = nil, nil
	r.setStateLocked(StateClosed)
	r.mu.Unlock()

	var errs []error
	if live != nil {
		errs = append(errs, live.Close())
	}
	if deadLetter != nil {
		errs = append(errs, deadLetter.Close())
	}
	r.logger.Info("Registration closed", loggingpkg.LogFields{
		"completed":     r.completed.Load(),
		"abandoned":     r.abandoned.Load(),
		"dead_lettered": r.deadLettered.Load(),
	})
	return errors.Join(errs...)
}

// Stats returns a snapshot of the registration.
func (r *TopicRegistration) Stats() RegistrationStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistrationStats{
		Topic:             r.topic,
		Subscription:      r.subscription,
		State:             r.state.String(),
		Plugins:           r.chain.Plugins(),
		DeadLetterDrained: r.drained.Load(),
		Completed:         r.completed.Load(),
		Abandoned:         r.abandoned.Load(),
		DeadLettered:      r.deadLettered.Load(),
		LastErrorAt:       r.lastErrAt,
	}
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	return stats
}
