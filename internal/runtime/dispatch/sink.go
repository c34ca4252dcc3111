// Package dispatch hands typed events to the event sink, applying service
// filtering and transaction boundaries.
package dispatch

import (
	"context"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	"github.com/drblury/rfbridge/internal/runtime/events"
)

// Address is an optional routing address attached to a fired event.
type Address struct {
	Plan  string `json:"plan"`
	Value string `json:"value"`
}

// Fire is one event handed to the sink.
type Fire struct {
	Handle     activity.Handle
	Type       *eventid.EventType
	Event      events.Event
	Address    *Address
	Transacted bool
}

// EventSink consumes fired events.
type EventSink interface {
	FireEvent(ctx context.Context, fire Fire) error
	EndActivity(ctx context.Context, h activity.Handle) error
}

// ActivityStarter is implemented by sinks that track activity starts.
type ActivityStarter interface {
	StartActivity(ctx context.Context, h activity.Handle) error
}

// BatchSink is implemented by sinks that can fire several events in one
// atomic operation. Committed transactions use it when available.
type BatchSink interface {
	FireEvents(ctx context.Context, fires []Fire) error
}
