package transport

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/metadata"
)

// Message is one delivery handed to a topic registration.
type Message struct {
	ID             string
	SequenceNumber int64
	// DeliveryCount is 1 on the first delivery and grows each time the
	// message is abandoned and redelivered to the same subscription.
	DeliveryCount int
	Payload       []byte
	Metadata      metadata.Metadata

	raw     *message.Message
	settled atomic.Bool
}

// NewMessage wraps a Watermill message. The sequence number is taken from
// the metadata when present, otherwise fallback is used.
func NewMessage(raw *message.Message, fallback int64) *Message {
	md := metadata.FromMessage(raw)
	seq, ok := md.SequenceNumber()
	if !ok {
		seq = fallback
	}
	return &Message{
		ID:             raw.UUID,
		SequenceNumber: seq,
		DeliveryCount:  1,
		Payload:        raw.Payload,
		Metadata:       md,
		raw:            raw,
	}
}

// Context returns the delivery context of the underlying message.
func (m *Message) Context() context.Context {
	if m.raw == nil {
		return context.Background()
	}
	return m.raw.Context()
}

// Raw returns the underlying Watermill message.
func (m *Message) Raw() *message.Message {
	return m.raw
}

// Settled reports whether the message was completed or abandoned.
func (m *Message) Settled() bool {
	return m.settled.Load()
}

func (m *Message) complete() error {
	if !m.settled.CompareAndSwap(false, true) {
		return errspkg.ErrInvalidState
	}
	if m.raw != nil {
		m.raw.Ack()
	}
	return nil
}

func (m *Message) abandon() error {
	if !m.settled.CompareAndSwap(false, true) {
		return errspkg.ErrInvalidState
	}
	if m.raw != nil {
		m.raw.Nack()
	}
	return nil
}
