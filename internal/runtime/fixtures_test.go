package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/topicplugins/internal/runtime/execution"
	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
	"github.com/drblury/topicplugins/internal/runtime/metadata"
	"github.com/drblury/topicplugins/internal/runtime/services"
	"github.com/drblury/topicplugins/transport"
	"github.com/drblury/topicplugins/transport/channel"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newExec(entity string) *execution.Context {
	return execution.New(execution.Fields{
		PrimaryEntityName: entity,
		PrimaryEntityID:   "6f1f6f36-5c1a-4c55-9d7c-3f8f0b2d0c11",
		MessageName:       "Update",
		CorrelationID:     "corr-1",
	})
}

// newMessage builds a broker message carrying an execution context for entity.
func newMessage(t *testing.T, id, entity string) *message.Message {
	t.Helper()
	payload, err := execution.Encode(execution.New(execution.Fields{
		PrimaryEntityName: entity,
		PrimaryEntityID:   id,
		MessageName:       "Update",
	}), execution.ContentTypeJSON)
	require.NoError(t, err)

	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(metadata.KeyContentType, execution.ContentTypeJSON)
	return msg
}

func newChannelBroker(t *testing.T) *transport.Broker {
	t.Helper()
	tr, err := channel.Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	broker := transport.NewBroker(tr, channel.Capabilities(), nil, transport.BrokerOptions{
		PollTimeout:     50 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

// recorder is a plugin that remembers the entities it saw, in order.
type recorder struct {
	mu   sync.Mutex
	seen []string
	fail func(exec *execution.Context) error
}

func (r *recorder) Execute(_ context.Context, exec *execution.Context, _ services.Lookup) error {
	r.mu.Lock()
	r.seen = append(r.seen, exec.PrimaryEntityID())
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(exec)
	}
	return nil
}

func (r *recorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}
