package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	"github.com/drblury/rfbridge/internal/runtime/events"
	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
	sinkpkg "github.com/drblury/rfbridge/internal/runtime/sink"
)

const protoContentType = "application/x-protobuf"

// ErrMissingHandle is returned for messages without a handle header.
var ErrMissingHandle = errors.New("consumer: message has no activity handle")

// DecodeError reports a sink message that could not be turned into a
// Delivery. Decode errors are never retried.
type DecodeError struct {
	UUID string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("consumer: decode message %s: %v", e.UUID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Delivery is one decoded sink message.
type Delivery struct {
	UUID   string
	Handle activity.Handle

	// Control is set for activity lifecycle messages; EventType is nil then.
	Control string

	EventType  *eventid.EventType
	Kind       string
	Transacted bool

	Body     map[string]any
	Metadata metadatapkg.Metadata

	ctx context.Context
}

// IsControl reports whether d is an activity lifecycle message.
func (d *Delivery) IsControl() bool { return d.Control != "" }

// Context returns the message context, carrying the consumer span.
func (d *Delivery) Context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// Payload decodes the body of an event delivery.
func (d *Delivery) Payload() (events.Payload, error) {
	var p events.Payload
	raw, err := jsoncodec.Marshal(d.Body)
	if err != nil {
		return p, err
	}
	err = jsoncodec.Unmarshal(raw, &p)
	return p, err
}

func decode(msg *message.Message, lookup eventid.Lookup) (*Delivery, error) {
	md := metadatapkg.FromWatermill(msg.Metadata)
	h := md.Handle()
	if h == "" {
		return nil, &DecodeError{UUID: msg.UUID, Err: ErrMissingHandle}
	}

	body, err := decodeBody(md[metadatapkg.KeyContentType], msg.Payload)
	if err != nil {
		return nil, &DecodeError{UUID: msg.UUID, Err: err}
	}

	d := &Delivery{
		UUID:       msg.UUID,
		Handle:     activity.NewHandle(h),
		Control:    md.Control(),
		Kind:       md[metadatapkg.KeyEventKind],
		Transacted: md.Transacted(),
		Body:       body,
		Metadata:   md,
		ctx:        msg.Context(),
	}
	if d.IsControl() {
		return d, nil
	}

	et, err := lookup.EventType(eventid.NewTypeID(md[metadatapkg.KeyEventType]))
	if err != nil {
		return nil, &DecodeError{UUID: msg.UUID, Err: err}
	}
	d.EventType = et
	return d, nil
}

func decodeBody(contentType string, payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	if contentType == protoContentType {
		return sinkpkg.DecodeProto(payload)
	}
	body := map[string]any{}
	if err := jsoncodec.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	return body, nil
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d *Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

func deliveryFrom(ctx context.Context) (*Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(*Delivery)
	return d, ok
}
