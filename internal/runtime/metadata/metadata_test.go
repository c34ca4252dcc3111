package metadata

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{KeyHandle: "peer;1;1", KeyEventType: "rf.AccountingRequest"}
	clone := original.Clone()
	clone[KeyHandle] = "changed"

	if original[KeyHandle] != "peer;1;1" {
		t.Fatalf("expected original map to stay untouched, got %q", original[KeyHandle])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := New(KeyHandle, "h")
	enriched := base.With(KeyControl, ControlActivityEnded)
	if base.Control() != "" {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched.Control() != ControlActivityEnded {
		t.Fatalf("expected enriched map to add entry")
	}

	merged := enriched.WithAll(Metadata{KeyTransacted: "true"})
	if !merged.Transacted() {
		t.Fatalf("expected merged metadata to include new value")
	}
	if merged.Handle() != "h" {
		t.Fatalf("expected existing entries to persist")
	}
}

func TestTypedGetters(t *testing.T) {
	md := New(KeyCommandCode, "271", KeyTransacted, "nope")
	if got := md.CommandCode(); got != 271 {
		t.Fatalf("CommandCode() = %d, want 271", got)
	}
	if md.Transacted() {
		t.Fatal("malformed transacted header should read as false")
	}
	if got := New(KeyCommandCode, "x").CommandCode(); got != 0 {
		t.Fatalf("malformed command code = %d, want 0", got)
	}
}

func TestWithTrace(t *testing.T) {
	base := New(KeyHandle, "h")
	if got := base.WithTrace(context.Background()); len(got) != 1 {
		t.Fatalf("expected no trace headers without a span, got %v", got)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	traced := base.WithTrace(ctx)

	if traced[KeyTraceID] != sc.TraceID().String() {
		t.Fatalf("trace id = %q", traced[KeyTraceID])
	}
	if traced[KeySpanID] != sc.SpanID().String() {
		t.Fatalf("span id = %q", traced[KeySpanID])
	}
	if _, ok := base[KeyTraceID]; ok {
		t.Fatal("WithTrace must not modify the receiver")
	}
}

func TestWatermillConversions(t *testing.T) {
	md := New(KeyHandle, "h", KeyEventType, "rf.AccountingAnswer")
	wm := ToWatermill(md)
	if wm.Get(KeyHandle) != "h" {
		t.Fatalf("expected handle to survive conversion")
	}

	back := FromWatermill(message.Metadata{KeyEventType: "rf.AccountingAnswer"})
	if back[KeyEventType] != "rf.AccountingAnswer" {
		t.Fatalf("expected event type to survive conversion")
	}
	if len(FromWatermill(nil)) != 0 || len(ToWatermill(nil)) != 0 {
		t.Fatal("expected empty conversions for nil input")
	}
}
