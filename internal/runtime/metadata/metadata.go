package metadata

import "strconv"

// Header keys the runtime reads from, and stamps onto, broker messages.
const (
	// KeyCorrelationID ties log lines and spans of one dispatch together.
	KeyCorrelationID = "correlation_id"

	// KeyContentType selects the execution-context decoder.
	KeyContentType = "content_type"

	// KeySequenceNumber is the broker-assigned position of the message.
	KeySequenceNumber = "sequence_number"

	// KeyDeliveryCount reports how often the broker has handed the message out.
	KeyDeliveryCount = "delivery_count"

	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

// Metadata represents the headers carried alongside a broker message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

func (m Metadata) ContentType() string { return m[KeyContentType] }

// SequenceNumber parses the broker sequence number; ok is false when the
// transport did not provide one.
func (m Metadata) SequenceNumber() (seq int64, ok bool) {
	raw, present := m[KeySequenceNumber]
	if !present {
		return 0, false
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// WithSequenceNumber stamps a broker sequence number.
func (m Metadata) WithSequenceNumber(seq int64) Metadata {
	return m.With(KeySequenceNumber, strconv.FormatInt(seq, 10))
}
