package jetstream

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/drblury/topicplugins/internal/runtime/metadata"
	"github.com/drblury/topicplugins/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, transport.NATSJetStreamCapabilities, caps)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Empty(t, caps.Warnings())
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, got.StreamName)
	assert.Equal(t, DefaultMaxDeliver, got.MaxDeliver)
	assert.Equal(t, DefaultAckWait, got.AckWait)
	assert.Equal(t, 1, got.Replicas)

	custom := Config{URL: "nats://x", StreamName: "S", MaxDeliver: 9, AckWait: 5, Replicas: 3}
	assert.Equal(t, custom, custom.withDefaults())
}

func TestSubjectAndDurable(t *testing.T) {
	assert.Equal(t, "S.crm", Subject("S", "crm"))
	assert.Equal(t, "crm_events_plugins", Durable("crm.events", "plugins"))
	assert.Equal(t, "a___b", Durable("a.*", "b"))
}

func TestToMessage(t *testing.T) {
	t.Run("keeps message id and headers", func(t *testing.T) {
		header := nats.Header{}
		header.Set(nats.MsgIdHdr, "msg-1")
		header.Set(metadata.KeyCorrelationID, "corr")

		msg := ToMessage(&nats.Msg{Data: []byte("payload"), Header: header})

		assert.Equal(t, "msg-1", msg.UUID)
		assert.Equal(t, "payload", string(msg.Payload))
		assert.Equal(t, "corr", msg.Metadata.Get(metadata.KeyCorrelationID))
		assert.Empty(t, msg.Metadata.Get(nats.MsgIdHdr))
		// not a JetStream delivery, so no sequence number
		_, ok := metadata.Metadata(msg.Metadata).SequenceNumber()
		assert.False(t, ok)
	})

	t.Run("mints an id when the header is missing", func(t *testing.T) {
		msg := ToMessage(&nats.Msg{Data: []byte("x")})
		assert.Len(t, msg.UUID, 26)
	})
}
