// Package metadata defines the headers attached to every message the event
// sink publishes.
package metadata

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/trace"
)

// Reserved header keys. KeyHandle matches the key transports partition on.
const (
	KeyHandle       = "handle"
	KeyEventType    = "event_type"
	KeyEventKind    = "event_kind"
	KeyCommandCode  = "command_code"
	KeyTransacted   = "transacted"
	KeyContentType  = "content_type"
	KeyAddressPlan  = "address_plan"
	KeyAddressValue = "address_value"

	// KeyControl marks activity lifecycle messages; its value is one of the
	// Control* constants.
	KeyControl = "control"

	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

// Control message kinds.
const (
	ControlActivityStarted = "activity_started"
	ControlActivityEnded   = "activity_ended"
)

// Metadata represents the headers carried alongside an event.
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

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// WithTrace returns a clone carrying the trace and span id of the span in
// ctx. Without a valid span the receiver is cloned unchanged.
func (m Metadata) WithTrace(ctx context.Context) Metadata {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return m.Clone()
	}
	cloned := m.cloneWithExtra(2)
	cloned[KeyTraceID] = sc.TraceID().String()
	cloned[KeySpanID] = sc.SpanID().String()
	return cloned
}

// Handle returns the activity handle header.
func (m Metadata) Handle() string { return m[KeyHandle] }

// Control returns the control header, empty for event messages.
func (m Metadata) Control() string { return m[KeyControl] }

// Transacted reports whether the event was fired inside a transaction.
func (m Metadata) Transacted() bool {
	v, err := strconv.ParseBool(m[KeyTransacted])
	return err == nil && v
}

// CommandCode returns the command code header, 0 when absent or malformed.
func (m Metadata) CommandCode() uint32 {
	v, err := strconv.ParseUint(m[KeyCommandCode], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
