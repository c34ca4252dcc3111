package consumer

import (
	"slices"
	"sync"
	"time"
)

const latencySampleSize = 256

// LatencyMetrics summarises recent handler latencies in nanoseconds.
type LatencyMetrics struct {
	SampleSize int   `json:"sample_size"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	AverageNs  int64 `json:"average_ns"`
	LastNs     int64 `json:"last_ns"`
}

// Stats is a point-in-time view of what the consumer handled.
type Stats struct {
	Events       uint64         `json:"events"`
	Controls     uint64         `json:"controls"`
	Successful   uint64         `json:"successful"`
	Failed       uint64         `json:"failed"`
	Unreferenced uint64         `json:"unreferenced"`
	Undecodable  uint64         `json:"undecodable"`
	LastError    string         `json:"last_error,omitempty"`
	LastAt       time.Time      `json:"last_at"`
	Latency      LatencyMetrics `json:"latency"`
}

type statsRecorder struct {
	mu      sync.Mutex
	stats   Stats
	latency *latencyWindow
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{latency: newLatencyWindow(latencySampleSize)}
}

func (r *statsRecorder) update(fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
	r.stats.LastAt = time.Now()
}

func (r *statsRecorder) observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency.Add(d)
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Latency = r.latency.Snapshot()
	return s
}

// latencyWindow is a ring of the most recent handler durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.last = int64(d)
	lw.samples[lw.next] = lw.last
	lw.next = (lw.next + 1) % len(lw.samples)
	lw.filled = min(lw.filled+1, len(lw.samples))
}

// Snapshot computes percentiles over the window. Until the ring wraps only
// the first filled slots hold samples.
func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.AverageNs = sum / int64(len(sorted))
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the two ranks around q.
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[lo]
	}
	return sorted[lo] + int64(float64(sorted[lo+1]-sorted[lo])*(pos-float64(lo)))
}
