package consumer

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
)

// DeliveryContext describes one message handling to hooks.
type DeliveryContext struct {
	// Topic is the sink topic the message was received from.
	Topic string
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// Handle is the activity handle header, possibly empty.
	Handle string
	// EventType is the event type header, empty for control messages.
	EventType string
	// Control is the control header, empty for event messages.
	Control string
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when handling started.
	StartedAt time.Time
	// Duration is how long handling took (only set in OnDone and OnError).
	Duration time.Duration
}

// Hooks defines callbacks around message handling.
// All hooks are optional - nil hooks are simply not called.
type Hooks struct {
	// OnStart is called before the message is decoded.
	OnStart func(ctx DeliveryContext)

	// OnDone is called when the message was handled, retries included.
	OnDone func(ctx DeliveryContext)

	// OnError is called when handling returned an error after every retry.
	OnError func(ctx DeliveryContext, err error)
}

// Merge combines two Hooks. The hooks from 'other' are called after the
// hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chain(h.OnStart, other.OnStart),
		OnDone:  chain(h.OnDone, other.OnDone),
		OnError: chainError(h.OnError, other.OnError),
	}
}

func (h Hooks) empty() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

func chain(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func hooksMiddleware(topic string, hooks Hooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			dc := DeliveryContext{
				Topic:       topic,
				MessageUUID: msg.UUID,
				Handle:      msg.Metadata.Get(metadatapkg.KeyHandle),
				EventType:   msg.Metadata.Get(metadatapkg.KeyEventType),
				Control:     msg.Metadata.Get(metadatapkg.KeyControl),
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
			}
			if hooks.OnStart != nil {
				hooks.OnStart(dc)
			}

			msgs, err := h(msg)

			dc.Duration = time.Since(dc.StartedAt)
			dc.Context = msg.Context()
			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(dc, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(dc)
			}
			return msgs, err
		}
	}
}

// LoggingHooks returns hooks that log every handled message.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	fields := func(ctx DeliveryContext) loggingpkg.LogFields {
		f := loggingpkg.LogFields{
			"topic":                ctx.Topic,
			"message_uuid":         ctx.MessageUUID,
			loggingpkg.FieldHandle: ctx.Handle,
		}
		if ctx.Control != "" {
			f["control"] = ctx.Control
		} else {
			f[loggingpkg.FieldEventType] = ctx.EventType
		}
		return f
	}
	return Hooks{
		OnDone: func(ctx DeliveryContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Sink message handled", f)
		},
		OnError: func(ctx DeliveryContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Sink message failed", err, f)
		},
	}
}
