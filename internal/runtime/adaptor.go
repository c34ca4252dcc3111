package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/bridge"
	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metricspkg "github.com/drblury/rfbridge/internal/runtime/metrics"
	"github.com/drblury/rfbridge/internal/runtime/peers"
	sinkpkg "github.com/drblury/rfbridge/internal/runtime/sink"
	"github.com/drblury/rfbridge/transport"
)

// adminListen allows overriding how the admin server binds for testing.
var adminListen = func(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// State is the lifecycle state of an Adaptor.
type State int

const (
	StateInactive State = iota
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "inactive"
	}
}

// AdaptorDependencies holds the collaborators of an Adaptor. Multiplexer is
// required; leave the other fields nil to use the defaults.
type AdaptorDependencies struct {
	Multiplexer diameter.Multiplexer

	// Sink receives fired events. When nil the adaptor builds the transport
	// named by Config.SinkSystem from Transports and publishes on it.
	Sink       dispatch.EventSink
	Transports *transport.Registry

	// EventTypes resolves event type ids. Defaults to eventid.DefaultCatalog.
	EventTypes eventid.Lookup

	// Metrics overrides the collectors built when Config.MetricsEnabled is set.
	Metrics *metricspkg.Metrics
	// Prometheus is the registry the collectors are registered with and
	// /metrics is served from. Defaults to the global registry.
	Prometheus *prometheus.Registry

	Tracer trace.Tracer
}

// Adaptor bridges Diameter accounting sessions to an event sink. It is the
// stack listener, the session observer and the listener of every activity it
// registers.
type Adaptor struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	apps       []diameter.ApplicationID
	mux        diameter.Multiplexer
	sink       dispatch.EventSink
	transports *transport.Registry
	ownedSink  *sinkpkg.Sink
	ownedTr    *transport.Transport
	filter     *eventid.Filter
	catalog    eventid.Lookup
	cache      *eventid.Cache
	dispatcher *dispatch.Dispatcher
	metrics    *metricspkg.Metrics
	prometheus *prometheus.Registry
	peers      *peers.Directory
	provider   *Provider

	mu       sync.RWMutex
	state    State
	ctx      context.Context
	registry *activity.Registry
	bridge   *bridge.Bridge
	stack    diameter.Stack

	adminMu     sync.Mutex
	adminServer *http.Server
	adminAddr   net.Addr
}

var (
	_ diameter.Listener        = (*Adaptor)(nil)
	_ diameter.SessionObserver = (*Adaptor)(nil)
	_ activity.Listener        = (*Adaptor)(nil)
)

// NewAdaptor validates conf and wires the adaptor. Malformed application ids
// fail here, before activation.
func NewAdaptor(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps AdaptorDependencies) (*Adaptor, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Multiplexer == nil {
		return nil, errspkg.ErrStackRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	apps, err := conf.ApplicationIDs()
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating Rf adaptor", loggingpkg.LogFields{
		"sink_system":     conf.SinkSystem,
		"application_ids": conf.AcctApplicationIDs,
		"config":          conf,
	})

	a := &Adaptor{
		Conf:       conf,
		Logger:     log,
		apps:       apps,
		mux:        deps.Multiplexer,
		transports: deps.Transports,
		filter:     eventid.NewFilter(),
		catalog:    deps.EventTypes,
		metrics:    deps.Metrics,
		prometheus: deps.Prometheus,
		ctx:        context.Background(),
	}
	if a.transports == nil {
		a.transports = transport.DefaultRegistry
	}
	if a.catalog == nil {
		a.catalog = eventid.DefaultCatalog()
	}
	a.cache = eventid.NewCache(a.catalog)

	if a.metrics == nil && conf.MetricsEnabled {
		var registerer prometheus.Registerer
		if a.prometheus != nil {
			registerer = a.prometheus
		}
		a.metrics = metricspkg.New(registerer)
	}
	if err := a.metrics.Register(); err != nil {
		return nil, fmt.Errorf("rfbridge: register metrics: %w", err)
	}

	a.sink = deps.Sink
	if a.sink == nil {
		if err := a.buildSink(ctx); err != nil {
			return nil, err
		}
	}

	a.dispatcher = dispatch.New(a.sink, a.filter, a.cache,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithTracer(deps.Tracer),
	)
	a.peers = peers.NewDirectory(a.currentStack, log)
	a.provider = &Provider{adaptor: a}
	return a, nil
}

func (a *Adaptor) buildSink(ctx context.Context) error {
	tr, err := a.transports.Build(ctx, a.Conf, loggingpkg.NewWatermillAdapter(a.Logger))
	if err != nil {
		return fmt.Errorf("rfbridge: build %s transport: %w", a.Conf.SinkSystem, err)
	}
	s, err := sinkpkg.FromConfig(tr.Publisher, a.Conf, a.Logger)
	if err != nil {
		_ = tr.Close()
		return err
	}
	a.ownedTr = &tr
	a.ownedSink = s
	a.sink = s
	return nil
}

// Activate creates a fresh registry, registers with the multiplexer and
// becomes the stack's session observer. The admin server is started when
// enabled. Activating an active adaptor is a no-op.
func (a *Adaptor) Activate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.State() == StateActive {
		a.Logger.Info("Rf adaptor already active", nil)
		return nil
	}
	a.Logger.Info("Activating Rf adaptor", nil)

	stack := a.mux.Stack()
	if stack == nil {
		return errspkg.ErrStackRequired
	}
	registry := activity.NewRegistry()
	br, err := bridge.New(bridge.Config{
		Registry:       registry,
		Factory:        stack,
		ApplicationIDs: a.apps,
		Listener:       a,
		Logger:         a.Logger,
		Metrics:        a.metrics,
		OnStarted:      a.activityStarted,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.ctx = context.WithoutCancel(ctx)
	a.registry = registry
	a.bridge = br
	a.stack = stack
	a.state = StateActive
	a.mu.Unlock()
	a.metrics.SetActive(0)

	if err := a.mux.RegisterListener(a, a.SupportedApplications()); err != nil {
		a.mu.Lock()
		a.state = StateInactive
		a.mu.Unlock()
		return fmt.Errorf("rfbridge: register with multiplexer: %w", err)
	}
	stack.SetObserver(a)

	if a.Conf.AdminEnabled {
		if err := a.startAdminServer(); err != nil {
			a.Logger.Error("Failed to start admin server", err, nil)
		}
	}
	a.Logger.Info("Rf adaptor active", loggingpkg.LogFields{"applications": len(a.apps)})
	return nil
}

// Stopping unregisters from the multiplexer and ends every activity.
func (a *Adaptor) Stopping(_ context.Context) {
	a.Logger.Info("Stopping Rf adaptor", nil)
	a.mux.UnregisterListener(a)

	a.mu.Lock()
	registry := a.registry
	if a.state == StateActive {
		a.state = StateStopping
	}
	a.mu.Unlock()
	if registry == nil {
		return
	}

	// Sealing closes the registry in the same step as the drain. A session
	// allocated concurrently fails to register and is released by the bridge.
	for _, act := range registry.Seal() {
		a.Logger.Info("Ending activity", loggingpkg.LogFields{loggingpkg.FieldHandle: act.Handle().String()})
		act.End()
	}
	a.metrics.SetActive(0)
	a.Logger.Info("Rf adaptor stopping completed", nil)
}

// Inactive closes the registry, ending whatever is still registered when
// Stopping was skipped. Registrations after this fail. The admin server is
// shut down.
func (a *Adaptor) Inactive(ctx context.Context) {
	a.mu.Lock()
	registry := a.registry
	a.state = StateInactive
	a.mu.Unlock()
	if registry != nil {
		for _, act := range registry.Close() {
			act.End()
		}
	}
	a.metrics.SetActive(0)
	a.stopAdminServer(ctx)
	a.Logger.Info("Rf adaptor inactive", nil)
}

// Close releases the transport the adaptor built for itself. A sink passed
// in through AdaptorDependencies is left open.
func (a *Adaptor) Close() error {
	if a.ownedSink == nil {
		return nil
	}
	err := a.ownedSink.Close()
	if a.ownedTr != nil && a.ownedTr.Subscriber != nil {
		if serr := a.ownedTr.Subscriber.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// State returns the lifecycle state.
func (a *Adaptor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Provider returns the facade used by consumers to send requests.
func (a *Adaptor) Provider() *Provider { return a.provider }

// Dispatcher returns the event dispatcher.
func (a *Adaptor) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Metrics returns the collectors, nil when metrics are disabled.
func (a *Adaptor) Metrics() *metricspkg.Metrics { return a.metrics }

// Sink returns the event sink.
func (a *Adaptor) Sink() dispatch.EventSink { return a.sink }

// Transport returns the transport built for the sink, if the adaptor built one.
func (a *Adaptor) Transport() (transport.Transport, bool) {
	if a.ownedTr == nil {
		return transport.Transport{}, false
	}
	return *a.ownedTr, true
}

// SupportedApplications returns the configured application ids in order.
func (a *Adaptor) SupportedApplications() []diameter.ApplicationID {
	return append([]diameter.ApplicationID(nil), a.apps...)
}

// Activity returns the registered activity of h.
func (a *Adaptor) Activity(h activity.Handle) (*activity.Activity, bool) {
	registry := a.currentRegistry()
	if registry == nil {
		return nil, false
	}
	return registry.Get(h)
}

// Activities returns a snapshot of every registered activity.
func (a *Adaptor) Activities() []activity.Info {
	registry := a.currentRegistry()
	out := []activity.Info{}
	if registry == nil {
		return out
	}
	registry.ForEach(func(act *activity.Activity) bool {
		out = append(out, act.Info())
		return true
	})
	return out
}

func (a *Adaptor) currentRegistry() *activity.Registry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry
}

func (a *Adaptor) currentBridge() (*bridge.Bridge, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != StateActive || a.bridge == nil {
		return nil, errspkg.ErrNotActive
	}
	return a.bridge, nil
}

func (a *Adaptor) currentStack() diameter.Stack {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stack
}

func (a *Adaptor) context() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ctx
}

func (a *Adaptor) activityStarted(act *activity.Activity) {
	if err := a.dispatcher.StartActivity(a.context(), act.Handle()); err != nil {
		a.Logger.Error("Event sink rejected activity start", err, loggingpkg.LogFields{
			loggingpkg.FieldHandle: act.Handle().String(),
		})
	}
}
