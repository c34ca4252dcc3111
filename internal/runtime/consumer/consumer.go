// Package consumer reads the events the sink published and reports the
// outcome of processing each one back to the adaptor.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
)

const DefaultName = "rfbridge_sink_consumer"

var (
	ErrSubscriberRequired = errors.New("consumer: subscriber is required")
	ErrReporterRequired   = errors.New("consumer: reporter is required")

	// ErrUnreferenced is returned by a HandlerFunc for events no service
	// takes. It is reported as unreferenced and never retried.
	ErrUnreferenced = errors.New("consumer: event not referenced by any service")
)

// Reporter receives processing outcomes. *runtime.Adaptor implements it.
type Reporter interface {
	EventProcessingSuccessful(h activity.Handle, et *eventid.EventType)
	EventProcessingFailed(h activity.Handle, et *eventid.EventType, reason error)
	EventUnreferenced(h activity.Handle, et *eventid.EventType)
	ActivityEnded(h activity.Handle)
}

// HandlerFunc processes one delivery. Control deliveries reach it too.
type HandlerFunc func(d *Delivery) error

// Config selects what the consumer reads.
type Config struct {
	// Name is the router handler name. Defaults to DefaultName.
	Name string
	// Topic defaults to the sink's default topic.
	Topic string
	Retry RetryConfig
	// CloseTimeout bounds how long Close waits for in-flight handlers.
	CloseTimeout time.Duration
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger. A nil logger keeps the default.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(c *Consumer) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithHooks adds hooks around every handled message.
func WithHooks(h Hooks) Option {
	return func(c *Consumer) { c.hooks = c.hooks.Merge(h) }
}

// WithTracer overrides the global tracer used by the router middleware.
func WithTracer(t trace.Tracer) Option {
	return func(c *Consumer) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLookup overrides eventid.DefaultCatalog for resolving event types.
func WithLookup(l eventid.Lookup) Option {
	return func(c *Consumer) {
		if l != nil {
			c.lookup = l
		}
	}
}

// WithPrometheus registers the watermill router collectors with r.
func WithPrometheus(r prometheus.Registerer) Option {
	return func(c *Consumer) { c.registerer = r }
}

// WithPoisonQueue forwards messages that failed after every retry to topic
// instead of acknowledging them.
func WithPoisonQueue(pub message.Publisher, topic string) Option {
	return func(c *Consumer) {
		c.poisonPub = pub
		c.poisonTopic = topic
	}
}

// Consumer runs a watermill router with one handler on the sink topic.
type Consumer struct {
	conf     Config
	router   *message.Router
	reporter Reporter
	handler  HandlerFunc

	logger      loggingpkg.ServiceLogger
	hooks       Hooks
	tracer      trace.Tracer
	lookup      eventid.Lookup
	registerer  prometheus.Registerer
	poisonPub   message.Publisher
	poisonTopic string

	stats *statsRecorder
}

// New wires the router. A nil handler acknowledges every delivery.
func New(sub message.Subscriber, reporter Reporter, handler HandlerFunc, conf Config, opts ...Option) (*Consumer, error) {
	if sub == nil {
		return nil, ErrSubscriberRequired
	}
	if reporter == nil {
		return nil, ErrReporterRequired
	}
	if conf.Name == "" {
		conf.Name = DefaultName
	}
	if conf.Topic == "" {
		conf.Topic = configpkg.DefaultSinkTopic
	}
	if handler == nil {
		handler = func(*Delivery) error { return nil }
	}

	c := &Consumer{
		conf:     conf,
		reporter: reporter,
		handler:  handler,
		logger:   loggingpkg.NewNopServiceLogger(),
		tracer:   otel.Tracer("rfbridge/consumer"),
		lookup:   eventid.DefaultCatalog(),
		stats:    newStatsRecorder(),
	}
	for _, opt := range opts {
		opt(c)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(c.logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}
	if c.registerer != nil {
		metrics.NewPrometheusMetricsBuilder(c.registerer, "rfbridge", "consumer").AddPrometheusRouterMetrics(router)
	}

	router.AddMiddleware(correlationIDMiddleware)
	if c.poisonPub != nil {
		poison, err := middleware.PoisonQueue(c.poisonPub, c.poisonTopic)
		if err != nil {
			return nil, err
		}
		router.AddMiddleware(poison)
	}
	router.AddMiddleware(c.reportMiddleware)
	if !c.hooks.empty() {
		router.AddMiddleware(hooksMiddleware(conf.Topic, c.hooks))
	}
	router.AddMiddleware(
		logMessagesMiddleware(c.logger),
		tracerMiddleware(c.tracer),
		retryMiddleware(conf.Retry, wmLogger),
		middleware.Recoverer,
	)
	router.AddNoPublisherHandler(conf.Name, conf.Topic, sub, c.handle)
	c.router = router
	return c, nil
}

// Run consumes until ctx is cancelled or Close is called.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting sink consumer", loggingpkg.LogFields{"topic": c.conf.Topic, "handler": c.conf.Name})
	return c.router.Run(ctx)
}

// Running is closed once the router is consuming.
func (c *Consumer) Running() chan struct{} { return c.router.Running() }

// Close stops the router and waits for in-flight handlers.
func (c *Consumer) Close() error { return c.router.Close() }

// Topic returns the consumed topic.
func (c *Consumer) Topic() string { return c.conf.Topic }

// Stats returns a snapshot of what was handled so far.
func (c *Consumer) Stats() Stats { return c.stats.snapshot() }

func (c *Consumer) handle(msg *message.Message) error {
	d, err := decode(msg, c.lookup)
	if err != nil {
		return err
	}
	msg.SetContext(withDelivery(msg.Context(), d))
	d.ctx = msg.Context()

	start := time.Now()
	err = c.handler(d)
	c.stats.observe(time.Since(start))
	return err
}

// reportMiddleware runs outside the retry middleware so each message is
// reported once, with its final result.
func (c *Consumer) reportMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)

		d, ok := deliveryFrom(msg.Context())
		if !ok {
			if err == nil {
				return msgs, nil
			}
			c.stats.update(func(s *Stats) {
				s.Undecodable++
				s.LastError = err.Error()
			})
			c.logger.Error("Dropping undecodable sink message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
			return nil, c.unhandled(err)
		}

		if d.IsControl() {
			c.stats.update(func(s *Stats) { s.Controls++ })
			if err != nil {
				c.logger.Error("Control message handler failed", err, loggingpkg.LogFields{
					loggingpkg.FieldHandle: d.Handle.String(),
					"control":              d.Control,
				})
			}
			if d.Control == metadatapkg.ControlActivityEnded {
				c.reporter.ActivityEnded(d.Handle)
			}
			return msgs, nil
		}

		switch {
		case err == nil:
			c.stats.update(func(s *Stats) { s.Events++; s.Successful++ })
			c.reporter.EventProcessingSuccessful(d.Handle, d.EventType)
			return msgs, nil
		case errors.Is(err, ErrUnreferenced):
			c.stats.update(func(s *Stats) { s.Events++; s.Unreferenced++ })
			c.reporter.EventUnreferenced(d.Handle, d.EventType)
			return nil, nil
		default:
			c.stats.update(func(s *Stats) {
				s.Events++
				s.Failed++
				s.LastError = err.Error()
			})
			c.reporter.EventProcessingFailed(d.Handle, d.EventType, err)
			return nil, c.unhandled(err)
		}
	}
}

// unhandled hands err to the poison queue when one is configured. Otherwise
// the message is acknowledged since the failure has been reported.
func (c *Consumer) unhandled(err error) error {
	if c.poisonPub != nil {
		return err
	}
	return nil
}
