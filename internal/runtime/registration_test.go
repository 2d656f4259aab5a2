package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	"github.com/drblury/topicplugins/internal/runtime/metadata"
	"github.com/drblury/topicplugins/transport"
)

func newRegistration(t *testing.T, plugin Plugin, opts RegistrationOptions) *TopicRegistration {
	t.Helper()
	chain, err := NewPluginChain([]PluginRef{{Name: "recorder", Plugin: plugin}}, newTestLogger())
	require.NoError(t, err)
	reg, err := NewTopicRegistration("crm", "plugins", chain, newTestLogger(), opts)
	require.NoError(t, err)
	return reg
}

func publish(t *testing.T, broker *transport.Broker, topic string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, broker.Publish(topic, newMessage(t, id, "account")))
	}
}

func TestRegistrationDrainsDeadLetterBeforeLive(t *testing.T) {
	broker := newChannelBroker(t)
	publish(t, broker, broker.DeadLetterTopic("crm", "plugins"), "dead-1", "dead-2", "dead-3")
	publish(t, broker, "crm", "live-1")

	rec := &recorder{}
	reg := newRegistration(t, rec, RegistrationOptions{})
	assert.Equal(t, StateUninitialized, reg.State())

	require.NoError(t, reg.Initialize(context.Background(), broker))
	assert.Equal(t, StateDrainingDeadLetter, reg.State())

	require.NoError(t, reg.Run(context.Background(), RunOptions{MaxConcurrent: 1}))
	assert.Equal(t, StateLivePumping, reg.State())

	require.Eventually(t, func() bool { return reg.Stats().Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dead-1", "dead-2", "dead-3", "live-1"}, rec.Seen())

	stats := reg.Stats()
	assert.Equal(t, uint64(3), stats.DeadLetterDrained)
	assert.Equal(t, uint64(0), stats.Abandoned)
	assert.Equal(t, []string{"recorder"}, stats.Plugins)

	require.NoError(t, reg.Close())
	assert.Equal(t, StateClosed, reg.State())
	assert.NoError(t, reg.Close(), "Close is idempotent")
}

func TestRegistrationDeadLetterFailureAbortsRun(t *testing.T) {
	broker := newChannelBroker(t)
	publish(t, broker, broker.DeadLetterTopic("crm", "plugins"), "dead-1", "dead-2", "dead-3")

	boom := errors.New("boom")
	rec := &recorder{fail: func(exec *execution.Context) error {
		if exec.PrimaryEntityID() == "dead-2" {
			return boom
		}
		return nil
	}}
	reg := newRegistration(t, rec, RegistrationOptions{})
	require.NoError(t, reg.Initialize(context.Background(), broker))

	err := reg.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"dead-1", "dead-2"}, rec.Seen())
	assert.Equal(t, StateDrainingDeadLetter, reg.State())
	var pe *errspkg.PluginExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "recorder", pe.Plugin)

	stats := reg.Stats()
	assert.Equal(t, uint64(1), stats.DeadLetterDrained)
	assert.Contains(t, stats.LastError, "boom")

	assert.NoError(t, reg.Close())
}

func TestRegistrationAbandonsFailedLiveMessage(t *testing.T) {
	broker := newChannelBroker(t)
	publish(t, broker, "crm", "live-1")

	var attempts int
	var mu sync.Mutex
	rec := &recorder{fail: func(*execution.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}}
	reg := newRegistration(t, rec, RegistrationOptions{})
	require.NoError(t, reg.Initialize(context.Background(), broker))

	var reported []error
	var reportedMu sync.Mutex
	require.NoError(t, reg.Run(context.Background(), RunOptions{
		OnError: func(err error) {
			reportedMu.Lock()
			reported = append(reported, err)
			reportedMu.Unlock()
		},
	}))

	require.Eventually(t, func() bool { return reg.Stats().Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	stats := reg.Stats()
	assert.Equal(t, uint64(1), stats.Abandoned)
	assert.Equal(t, []string{"live-1", "live-1"}, rec.Seen(), "abandoned message is redelivered")

	reportedMu.Lock()
	require.Len(t, reported, 1)
	assert.ErrorContains(t, reported[0], "transient")
	reportedMu.Unlock()

	require.NoError(t, reg.Close())
}

func TestRegistrationDeadLettersMessageAtMaxDeliveryCount(t *testing.T) {
	broker := newChannelBroker(t)
	publish(t, broker, "crm", "poison-1")

	boom := errors.New("boom")
	failing := &recorder{fail: func(*execution.Context) error { return boom }}
	reg := newRegistration(t, failing, RegistrationOptions{})
	require.NoError(t, reg.Initialize(context.Background(), broker))

	var reported atomic.Int32
	require.NoError(t, reg.Run(context.Background(), RunOptions{
		MaxDeliveryCount: 3,
		OnError:          func(error) { reported.Add(1) },
	}))
	require.Eventually(t, func() bool { return reg.Stats().DeadLettered == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, reg.Close())

	stats := reg.Stats()
	assert.Equal(t, uint64(2), stats.Abandoned)
	assert.Equal(t, uint64(0), stats.Completed)
	assert.Equal(t, []string{"poison-1", "poison-1", "poison-1"}, failing.Seen())
	assert.EqualValues(t, 3, reported.Load())

	var drainedMeta []metadata.Metadata
	var metaMu sync.Mutex
	rec := &recorder{}
	next := newRegistration(t, rec, RegistrationOptions{Hooks: DispatchHooks{
		OnStart: func(info DispatchInfo) {
			metaMu.Lock()
			drainedMeta = append(drainedMeta, info.Metadata)
			metaMu.Unlock()
		},
	}})
	require.NoError(t, next.Initialize(context.Background(), broker))
	require.NoError(t, next.Run(context.Background(), RunOptions{MaxConcurrent: 1}))
	defer next.Close()

	assert.Equal(t, uint64(1), next.Stats().DeadLetterDrained)
	assert.Equal(t, []string{"poison-1"}, rec.Seen())
	metaMu.Lock()
	require.Len(t, drainedMeta, 1)
	assert.Contains(t, drainedMeta[0][middleware.ReasonForPoisonedKey], "max delivery count reached on delivery 3")
	metaMu.Unlock()
}

func TestRegistrationWithoutDeliveryLimitKeepsAbandoning(t *testing.T) {
	broker := newChannelBroker(t)
	publish(t, broker, "crm", "poison-1")

	reg := newRegistration(t, &recorder{fail: func(*execution.Context) error { return errors.New("boom") }}, RegistrationOptions{})
	require.NoError(t, reg.Initialize(context.Background(), broker))
	require.NoError(t, reg.Run(context.Background(), RunOptions{}))

	require.Eventually(t, func() bool { return reg.Stats().Abandoned >= 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, reg.Close())
	assert.Equal(t, uint64(0), reg.Stats().DeadLettered)
}

type stubOpener struct {
	deadLetter transport.Subscription
	live       transport.Subscription
}

func (s *stubOpener) OpenDeadLetter(context.Context, string, string) (transport.Subscription, error) {
	return s.deadLetter, nil
}

func (s *stubOpener) OpenLive(context.Context, string, string) (transport.Subscription, error) {
	return s.live, nil
}

// closingSubscriber hands out a channel the test closes to simulate a
// broker dropping the subscription.
type closingSubscriber struct {
	ch chan *message.Message
}

func (c closingSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return c.ch, nil
}

func (closingSubscriber) Close() error { return nil }

func TestRegistrationFaultsWhenLiveSubscriptionStops(t *testing.T) {
	broker := newChannelBroker(t)
	dlq, err := broker.OpenDeadLetter(context.Background(), "crm", "plugins")
	require.NoError(t, err)

	dropped := closingSubscriber{ch: make(chan *message.Message)}
	live := transport.NewSubscription(dropped, transport.SubscriptionConfig{Topic: "crm", ShutdownTimeout: time.Second})

	reg := newRegistration(t, &recorder{}, RegistrationOptions{})
	require.NoError(t, reg.Initialize(context.Background(), &stubOpener{deadLetter: dlq, live: live}))

	var reported atomic.Int32
	require.NoError(t, reg.Run(context.Background(), RunOptions{
		MaxConcurrent: 2,
		OnError:       func(error) { reported.Add(1) },
	}))
	assert.Equal(t, StateLivePumping, reg.State())

	close(dropped.ch)
	require.Eventually(t, func() bool { return reg.State() == StateFaulted }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return reported.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	stats := reg.Stats()
	assert.Equal(t, "faulted", stats.State)
	assert.Contains(t, stats.LastError, transport.ErrSubscriptionClosed.Error())

	require.NoError(t, reg.Close())
	assert.Equal(t, StateClosed, reg.State())
}

func TestRegistrationLifecycleErrors(t *testing.T) {
	broker := newChannelBroker(t)
	reg := newRegistration(t, &recorder{}, RegistrationOptions{})

	assert.ErrorIs(t, reg.Initialize(context.Background(), nil), errspkg.ErrOpenerRequired)
	assert.ErrorIs(t, reg.Run(context.Background(), RunOptions{}), errspkg.ErrInvalidState)

	require.NoError(t, reg.Initialize(context.Background(), broker))
	assert.ErrorIs(t, reg.Initialize(context.Background(), broker), errspkg.ErrInvalidState)

	require.NoError(t, reg.Close())
	assert.ErrorIs(t, reg.Initialize(context.Background(), broker), errspkg.ErrRegistrationClosed)
	assert.ErrorIs(t, reg.Run(context.Background(), RunOptions{}), errspkg.ErrRegistrationClosed)
}

func TestRegistrationCloseBeforeInitialize(t *testing.T) {
	reg := newRegistration(t, &recorder{}, RegistrationOptions{})
	assert.NoError(t, reg.Close())
	assert.Equal(t, StateClosed, reg.State())
}

type failingOpener struct {
	deadLetter transport.Subscription
}

func (f *failingOpener) OpenDeadLetter(context.Context, string, string) (transport.Subscription, error) {
	return f.deadLetter, nil
}

func (f *failingOpener) OpenLive(context.Context, string, string) (transport.Subscription, error) {
	return nil, errors.New("live unavailable")
}

func TestRegistrationInitializeClosesDeadLetterOnLiveFailure(t *testing.T) {
	broker := newChannelBroker(t)
	dlq, err := broker.OpenDeadLetter(context.Background(), "crm", "plugins")
	require.NoError(t, err)

	reg := newRegistration(t, &recorder{}, RegistrationOptions{})
	err = reg.Initialize(context.Background(), &failingOpener{deadLetter: dlq})
	require.ErrorContains(t, err, "live unavailable")
	assert.Equal(t, StateUninitialized, reg.State())

	_, err = dlq.ReceiveOne(context.Background())
	assert.ErrorIs(t, err, transport.ErrSubscriptionClosed)
}

func TestNewTopicRegistrationValidates(t *testing.T) {
	chain, err := NewPluginChain(nil, newTestLogger())
	require.NoError(t, err)

	_, err = NewTopicRegistration("", "s", chain, newTestLogger(), RegistrationOptions{})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
	_, err = NewTopicRegistration("t", "", chain, newTestLogger(), RegistrationOptions{})
	assert.ErrorIs(t, err, errspkg.ErrSubscriptionRequired)
	_, err = NewTopicRegistration("t", "s", nil, newTestLogger(), RegistrationOptions{})
	assert.ErrorIs(t, err, errspkg.ErrPluginRequired)
	_, err = NewTopicRegistration("t", "s", chain, nil, RegistrationOptions{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestHandleCorrelationAndHooks(t *testing.T) {
	var mu sync.Mutex
	var started []DispatchInfo
	var failed []error
	hooks := DispatchHooks{
		OnStart: func(info DispatchInfo) {
			mu.Lock()
			started = append(started, info)
			mu.Unlock()
		},
		OnError: func(_ DispatchInfo, err error) {
			mu.Lock()
			failed = append(failed, err)
			mu.Unlock()
		},
	}
	reg := newRegistration(t, &recorder{}, RegistrationOptions{Hooks: hooks})

	raw := newMessage(t, "m-1", "account")
	raw.Metadata.Set(metadata.KeyCorrelationID, "from-broker")
	exec, err := reg.handle(context.Background(), transport.NewMessage(raw, 1), SourceLive)
	require.NoError(t, err)
	assert.Equal(t, "from-broker", exec.CorrelationID())

	exec, err = reg.handle(context.Background(), transport.NewMessage(newMessage(t, "m-2", "account"), 2), SourceLive)
	require.NoError(t, err)
	assert.NotEmpty(t, exec.CorrelationID(), "a correlation id is minted when none is present")

	bad := message.NewMessage("m-3", []byte("{not json"))
	_, err = reg.handle(context.Background(), transport.NewMessage(bad, 3), SourceLive)
	assert.ErrorIs(t, err, errspkg.ErrMessageDeserializationFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 2)
	assert.Equal(t, "from-broker", started[0].CorrelationID)
	assert.Equal(t, "account", started[0].EntityName)
	assert.Equal(t, "Update", started[0].Operation)
	require.Len(t, failed, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "draining_dead_letter", StateDrainingDeadLetter.String())
	assert.Equal(t, "live_pumping", StateLivePumping.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "faulted", StateFaulted.String())
}
