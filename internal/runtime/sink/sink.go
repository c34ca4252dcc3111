// Package sink publishes fired events as Watermill messages on one topic.
// Every message carries the activity handle, the event type and the
// transaction flag as metadata; activity starts and ends are published as
// control messages on the same topic so consumers see them in order.
package sink

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	"github.com/drblury/rfbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	"github.com/drblury/rfbridge/internal/runtime/events"
	idspkg "github.com/drblury/rfbridge/internal/runtime/ids"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("rfbridge: event sink is closed")

var (
	_ dispatch.EventSink       = (*Sink)(nil)
	_ dispatch.BatchSink       = (*Sink)(nil)
	_ dispatch.ActivityStarter = (*Sink)(nil)
)

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(s *Sink) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithCodec overrides the body codec.
func WithCodec(c Codec) Option {
	return func(s *Sink) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithTopic overrides the topic.
func WithTopic(topic string) Option {
	return func(s *Sink) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// Sink is a dispatch.EventSink over a Watermill publisher.
type Sink struct {
	publisher message.Publisher
	topic     string
	codec     Codec
	logger    loggingpkg.ServiceLogger

	closed    atomic.Bool
	published atomic.Int64
}

// New builds a sink publishing on configpkg.DefaultSinkTopic with JSON bodies.
func New(publisher message.Publisher, opts ...Option) (*Sink, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	s := &Sink{
		publisher: publisher,
		topic:     configpkg.DefaultSinkTopic,
		codec:     JSONCodec{},
		logger:    loggingpkg.NewNopServiceLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FromConfig builds a sink with the topic and codec of conf.
func FromConfig(publisher message.Publisher, conf *configpkg.Config, log loggingpkg.ServiceLogger) (*Sink, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	codec, err := CodecFor(conf.SinkCodec)
	if err != nil {
		return nil, err
	}
	return New(publisher, WithTopic(conf.SinkTopic), WithCodec(codec), WithLogger(log))
}

// Topic returns the topic messages are published on.
func (s *Sink) Topic() string { return s.topic }

// Published returns the number of messages published so far.
func (s *Sink) Published() int64 { return s.published.Load() }

// FireEvent publishes one event message.
func (s *Sink) FireEvent(ctx context.Context, fire dispatch.Fire) error {
	msg, err := s.eventMessage(ctx, fire)
	if err != nil {
		return err
	}
	return s.publish(msg)
}

// FireEvents publishes fires in a single Publish call. Transports with
// atomic batches apply the call as one unit.
func (s *Sink) FireEvents(ctx context.Context, fires []dispatch.Fire) error {
	if len(fires) == 0 {
		return nil
	}
	msgs := make([]*message.Message, 0, len(fires))
	for _, fire := range fires {
		msg, err := s.eventMessage(ctx, fire)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return s.publish(msgs...)
}

// StartActivity publishes an activity_started control message.
func (s *Sink) StartActivity(ctx context.Context, h activity.Handle) error {
	return s.control(ctx, h, metadatapkg.ControlActivityStarted)
}

// EndActivity publishes an activity_ended control message.
func (s *Sink) EndActivity(ctx context.Context, h activity.Handle) error {
	return s.control(ctx, h, metadatapkg.ControlActivityEnded)
}

// Close stops further publishing and closes the publisher.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.publisher.Close()
}

func (s *Sink) eventMessage(ctx context.Context, fire dispatch.Fire) (*message.Message, error) {
	if fire.Event == nil {
		return nil, errspkg.ErrNilMessage
	}
	if fire.Type == nil {
		return nil, errspkg.ErrUnknownEventType
	}
	body, err := s.codec.Encode(events.PayloadOf(fire.Event).Map())
	if err != nil {
		return nil, &EncodeError{Codec: s.codec.Name(), Err: err}
	}

	md := metadatapkg.New(
		metadatapkg.KeyHandle, fire.Handle.String(),
		metadatapkg.KeyEventType, fire.Type.ID.Name,
		metadatapkg.KeyEventKind, fire.Event.Kind().String(),
		metadatapkg.KeyCommandCode, strconv.FormatUint(uint64(fire.Event.CommandCode()), 10),
		metadatapkg.KeyTransacted, strconv.FormatBool(fire.Transacted),
		metadatapkg.KeyContentType, s.codec.ContentType(),
	)
	if fire.Address != nil {
		md[metadatapkg.KeyAddressPlan] = fire.Address.Plan
		md[metadatapkg.KeyAddressValue] = fire.Address.Value
	}
	return s.newMessage(ctx, body, md), nil
}

func (s *Sink) control(ctx context.Context, h activity.Handle, kind string) error {
	body, err := s.codec.Encode(map[string]any{
		"control": kind,
		"handle":  h.String(),
	})
	if err != nil {
		return &EncodeError{Codec: s.codec.Name(), Err: err}
	}
	md := metadatapkg.New(
		metadatapkg.KeyHandle, h.String(),
		metadatapkg.KeyControl, kind,
		metadatapkg.KeyContentType, s.codec.ContentType(),
	)
	return s.publish(s.newMessage(ctx, body, md))
}

func (s *Sink) newMessage(ctx context.Context, body []byte, md metadatapkg.Metadata) *message.Message {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md.WithTrace(ctx))
	msg.SetContext(ctx)
	return msg
}

func (s *Sink) publish(msgs ...*message.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.publisher.Publish(s.topic, msgs...); err != nil {
		return &PublishError{Topic: s.topic, Count: len(msgs), Err: err}
	}
	s.published.Add(int64(len(msgs)))
	s.logger.Trace("Published sink messages", loggingpkg.LogFields{"topic": s.topic, "count": len(msgs)})
	return nil
}
