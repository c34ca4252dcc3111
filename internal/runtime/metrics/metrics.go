// Package metrics holds the Prometheus collectors of the adaptor. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes.
const (
	OutcomeFired      = "fired"
	OutcomeFiltered   = "filtered"
	OutcomeUnresolved = "unresolved"
	OutcomeFailed     = "failed"
)

// Metrics tracks dispatch, activity and synchronous request statistics.
type Metrics struct {
	mu sync.RWMutex

	eventCounts map[string]*EventTypeCounts
	active      int64

	dispatchTotal        *prometheus.CounterVec
	processingTotal      *prometheus.CounterVec
	activitiesStarted    *prometheus.CounterVec
	activitiesEnded      prometheus.Counter
	activitiesActive     prometheus.Gauge
	correlationFailures  prometheus.Counter
	syncRequestSeconds   *prometheus.HistogramVec
	sessionRolesRejected *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// EventTypeCounts holds per event type totals.
type EventTypeCounts struct {
	Fired      uint64    `json:"fired"`
	Filtered   uint64    `json:"filtered"`
	Unresolved uint64    `json:"unresolved"`
	Failed     uint64    `json:"failed"`
	LastAt     time.Time `json:"last_at"`
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	ActiveActivities int64                       `json:"active_activities"`
	EventTypes       map[string]*EventTypeCounts `json:"event_types"`
	CollectedAt      time.Time                   `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfbridge",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer means the default registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		eventCounts:       make(map[string]*EventTypeCounts),
		registerer:        registerer,
		dispatchTotal:     newCounterVec("dispatch", "events_total", "Events handed to the dispatcher by outcome", []string{"event_type", "outcome"}),
		processingTotal:   newCounterVec("sink", "processing_total", "Event processing results reported by the consumer", []string{"outcome"}),
		activitiesStarted: newCounterVec("activity", "started_total", "Activities registered by dialog role", []string{"role"}),
		activitiesEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfbridge", Subsystem: "activity", Name: "ended_total",
			Help: "Activities removed from the registry",
		}),
		activitiesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfbridge", Subsystem: "activity", Name: "active",
			Help: "Activities currently registered",
		}),
		correlationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfbridge", Subsystem: "activity", Name: "correlation_failures_total",
			Help: "Messages dropped because no activity or request matched",
		}),
		syncRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rfbridge", Subsystem: "provider", Name: "sync_request_seconds",
			Help:    "Latency of synchronous accounting requests",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		sessionRolesRejected: newCounterVec("bridge", "rejected_sessions_total", "Session notifications rejected for a non accounting role", []string{"role"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.dispatchTotal,
		m.processingTotal,
		m.activitiesStarted,
		m.activitiesEnded,
		m.activitiesActive,
		m.correlationFailures,
		m.syncRequestSeconds,
		m.sessionRolesRejected,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordDispatch counts one dispatch attempt.
func (m *Metrics) RecordDispatch(eventType, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.countsFor(eventType)
	switch outcome {
	case OutcomeFired:
		counts.Fired++
	case OutcomeFiltered:
		counts.Filtered++
	case OutcomeUnresolved:
		counts.Unresolved++
	default:
		counts.Failed++
	}
	counts.LastAt = time.Now()
	m.dispatchTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordProcessing counts a consumer processing callback.
func (m *Metrics) RecordProcessing(outcome string) {
	if m == nil {
		return
	}
	m.processingTotal.WithLabelValues(outcome).Inc()
}

// ActivityStarted counts a registered activity.
func (m *Metrics) ActivityStarted(role string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.active++
	m.activitiesActive.Set(float64(m.active))
	m.mu.Unlock()
	m.activitiesStarted.WithLabelValues(role).Inc()
}

// ActivityEnded counts a removed activity.
func (m *Metrics) ActivityEnded() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.activitiesActive.Set(float64(m.active))
	m.mu.Unlock()
	m.activitiesEnded.Inc()
}

// SetActive overwrites the active activity count.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.active = int64(n)
	m.activitiesActive.Set(float64(n))
	m.mu.Unlock()
}

// CorrelationFailure counts a dropped message.
func (m *Metrics) CorrelationFailure() {
	if m == nil {
		return
	}
	m.correlationFailures.Inc()
}

// SessionRejected counts a session notification with a non accounting role.
func (m *Metrics) SessionRejected(role string) {
	if m == nil {
		return
	}
	m.sessionRolesRejected.WithLabelValues(role).Inc()
}

// ObserveSyncRequest records the latency of a synchronous request.
func (m *Metrics) ObserveSyncRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRequestSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// GetSnapshot returns copies of the current counters.
func (m *Metrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		EventTypes:  make(map[string]*EventTypeCounts),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.ActiveActivities = m.active
	for name, counts := range m.eventCounts {
		c := *counts
		snapshot.EventTypes[name] = &c
	}
	return snapshot
}

func (m *Metrics) countsFor(eventType string) *EventTypeCounts {
	if counts, ok := m.eventCounts[eventType]; ok {
		return counts
	}
	counts := &EventTypeCounts{}
	m.eventCounts[eventType] = counts
	return counts
}

// Reset clears every counter.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventCounts = make(map[string]*EventTypeCounts)
	m.active = 0
	m.dispatchTotal.Reset()
	m.processingTotal.Reset()
	m.activitiesStarted.Reset()
	m.activitiesActive.Set(0)
	m.syncRequestSeconds.Reset()
	m.sessionRolesRejected.Reset()
}
