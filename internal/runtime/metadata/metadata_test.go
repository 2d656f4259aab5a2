package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil || len(cloned) != 0 {
		t.Fatal("expected non-nil empty map")
	}
}

func TestWithDoesNotMutate(t *testing.T) {
	base := Metadata{KeyContentType: "application/json"}
	enriched := base.With(KeyCorrelationID, "c-1")
	if _, ok := base[KeyCorrelationID]; ok {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched.CorrelationID() != "c-1" || enriched.ContentType() != "application/json" {
		t.Fatalf("unexpected enriched metadata %#v", enriched)
	}
}

func TestSequenceNumber(t *testing.T) {
	if _, ok := (Metadata{}).SequenceNumber(); ok {
		t.Fatal("expected missing sequence number")
	}
	if _, ok := New(KeySequenceNumber, "abc").SequenceNumber(); ok {
		t.Fatal("expected malformed sequence number to be ignored")
	}

	seq, ok := Metadata{}.WithSequenceNumber(42).SequenceNumber()
	if !ok || seq != 42 {
		t.Fatalf("expected 42, got %d (%v)", seq, ok)
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "crm"}
	wm := ToWatermill(md)
	wm["source"] = "mutation"
	if md["source"] != "crm" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}
	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}

	msg := message.NewMessage("1", nil)
	msg.Metadata.Set(KeySequenceNumber, "9")
	if seq, _ := FromMessage(msg).SequenceNumber(); seq != 9 {
		t.Fatalf("expected sequence 9, got %d", seq)
	}
	if len(FromMessage(nil)) != 0 {
		t.Fatal("expected empty metadata for nil message")
	}
}
