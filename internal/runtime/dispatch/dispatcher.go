package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	"github.com/drblury/rfbridge/internal/runtime/events"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metricspkg "github.com/drblury/rfbridge/internal/runtime/metrics"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatch logger. A nil logger keeps the default.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.logger = log
		}
	}
}

// WithMetrics records every dispatch outcome on m.
func WithMetrics(m *metricspkg.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// Dispatcher delivers events to an EventSink.
type Dispatcher struct {
	sink    EventSink
	filter  *eventid.Filter
	cache   *eventid.Cache
	logger  loggingpkg.ServiceLogger
	metrics *metricspkg.Metrics
	tracer  trace.Tracer
}

// New builds a dispatcher. A nil filter lets every event type through.
func New(sink EventSink, filter *eventid.Filter, cache *eventid.Cache, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:   sink,
		filter: filter,
		cache:  cache,
		logger: loggingpkg.NewNopServiceLogger(),
		tracer: otel.Tracer("rfbridge-dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch fires ev for the activity h. It returns false when the event was
// filtered, its type is unknown or the sink failed; failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event, h activity.Handle, et *eventid.EventType, addr *Address, useFiltering, transacted bool) bool {
	fields := loggingpkg.LogFields{loggingpkg.FieldHandle: h.String()}
	if et == nil {
		d.logger.Error("Unable to resolve event type, event dropped", nil, fields)
		d.metrics.RecordDispatch("unknown", metricspkg.OutcomeUnresolved)
		return false
	}
	name := et.ID.Name
	fields[loggingpkg.FieldEventType] = name

	if useFiltering && d.filter != nil && d.filter.FilterEvent(et) {
		d.logger.Trace("Event filtered, no active service receives it", fields)
		d.metrics.RecordDispatch(name, metricspkg.OutcomeFiltered)
		return false
	}
	if ev == nil {
		d.logger.Error("Refusing to fire nil event", nil, fields)
		d.metrics.RecordDispatch(name, metricspkg.OutcomeFailed)
		return false
	}

	ctx, span := d.tracer.Start(ctx, "Dispatch", trace.WithAttributes(
		attribute.String("rfbridge.handle", h.String()),
		attribute.String("rfbridge.event_type", name),
		attribute.Bool("rfbridge.transacted", transacted),
	))
	defer span.End()

	fire := Fire{Handle: h, Type: et, Event: ev, Address: addr, Transacted: transacted}
	if err := d.fire(ctx, fire); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fire failed")
		d.logger.Error("Event sink rejected event", err, fields)
		d.metrics.RecordDispatch(name, metricspkg.OutcomeFailed)
		return false
	}
	d.logger.Debug("Event fired", fields)
	d.metrics.RecordDispatch(name, metricspkg.OutcomeFired)
	return true
}

func (d *Dispatcher) fire(ctx context.Context, fire Fire) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event sink panic: %v", r)
		}
	}()
	if d.sink == nil {
		return fmt.Errorf("no event sink configured")
	}
	if fire.Transacted {
		if tx, ok := TxFrom(ctx); ok {
			return tx.stage(d.sink, fire)
		}
	}
	return d.sink.FireEvent(ctx, fire)
}

// DispatchMessage translates msg and dispatches it with filtering. Requests
// are fired transacted.
func (d *Dispatcher) DispatchMessage(ctx context.Context, h activity.Handle, msg diameter.Message) bool {
	ev, err := events.Translate(msg)
	if err != nil {
		d.logger.Error("Unable to translate message", err, loggingpkg.LogFields{loggingpkg.FieldHandle: h.String()})
		return false
	}
	var et *eventid.EventType
	if d.cache != nil {
		et, err = d.cache.ResolveMessage(msg)
		if err != nil {
			d.logger.Error("Event type lookup failed", err, loggingpkg.LogFields{
				loggingpkg.FieldHandle:  h.String(),
				loggingpkg.FieldCommand: msg.CommandCode(),
			})
		}
	}
	return d.Dispatch(ctx, ev, h, et, nil, true, msg.IsRequest())
}

// EndActivity asks the sink to end h.
func (d *Dispatcher) EndActivity(ctx context.Context, h activity.Handle) error {
	if d.sink == nil {
		return nil
	}
	return d.sink.EndActivity(ctx, h)
}

// StartActivity announces h to sinks implementing ActivityStarter.
func (d *Dispatcher) StartActivity(ctx context.Context, h activity.Handle) error {
	if starter, ok := d.sink.(ActivityStarter); ok {
		return starter.StartActivity(ctx, h)
	}
	return nil
}
