// Package observability collects the reactor's runtime counters:
// per-route request metrics with latency buckets, and connection-level
// accept/close/timeout gauges. Recording is lock-free on the hot path.
package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fastgate/core/pools"
)

// Monitor aggregates request and connection metrics for one process.
type Monitor struct {
	enabled atomic.Bool
	routes  sync.Map // route pattern -> *RouteMetrics

	global struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64

		connsAccepted atomic.Uint64
		connsClosed   atomic.Uint64
		connsTimedOut atomic.Uint64
	}
}

// RouteMetrics stores per-route counters.
type RouteMetrics struct {
	Pattern        string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [10]atomic.Uint64
}

// NewMonitor creates an enabled monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.enabled.Store(true)
	return m
}

// SetEnabled toggles recording without tearing the monitor down.
func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

// RecordRequest records one completed request against its route pattern.
func (m *Monitor) RecordRequest(route string, duration time.Duration, isError bool) {
	if !m.enabled.Load() {
		return
	}

	val, _ := m.routes.LoadOrStore(route, &RouteMetrics{Pattern: route})
	metrics := val.(*RouteMetrics)

	metrics.Count.Add(1)
	if isError {
		metrics.Errors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	updateMinMax(metrics, durationNs)
	updateLatencyBucket(metrics, durationNs)

	m.global.totalRequests.Add(1)
	m.global.totalDuration.Add(durationNs)
}

// ConnAccepted, ConnClosed, and ConnTimedOut track the reactor's
// connection lifecycle.
func (m *Monitor) ConnAccepted() { m.global.connsAccepted.Add(1) }
func (m *Monitor) ConnClosed()   { m.global.connsClosed.Add(1) }
func (m *Monitor) ConnTimedOut() { m.global.connsTimedOut.Add(1) }

func updateMinMax(r *RouteMetrics, d uint64) {
	for {
		min := r.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if r.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := r.MaxDuration.Load()
		if d <= max {
			break
		}
		if r.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func updateLatencyBucket(r *RouteMetrics, durationNs uint64) {
	ms := durationNs / 1_000_000
	idx := 0
	switch {
	case ms < 1:
		idx = 0
	case ms < 5:
		idx = 1
	case ms < 10:
		idx = 2
	case ms < 50:
		idx = 3
	case ms < 100:
		idx = 4
	case ms < 500:
		idx = 5
	case ms < 1000:
		idx = 6
	case ms < 5000:
		idx = 7
	case ms < 10000:
		idx = 8
	default:
		idx = 9
	}
	r.latencyBuckets[idx].Add(1)
}

// Route returns the live metrics for one route pattern, if any request
// has hit it yet.
func (m *Monitor) Route(pattern string) (*RouteMetrics, bool) {
	val, ok := m.routes.Load(pattern)
	if !ok {
		return nil, false
	}
	return val.(*RouteMetrics), true
}

// Snapshot is a point-in-time copy of the global counters, plus the
// collector statistics of the process serving them.
type Snapshot struct {
	TotalRequests uint64
	AvgDuration   time.Duration

	ConnsAccepted uint64
	ConnsClosed   uint64
	ConnsTimedOut uint64

	GC pools.GCStats
}

// Snapshot returns the current global counters.
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests: m.global.totalRequests.Load(),
		ConnsAccepted: m.global.connsAccepted.Load(),
		ConnsClosed:   m.global.connsClosed.Load(),
		ConnsTimedOut: m.global.connsTimedOut.Load(),
		GC:            pools.GetGCStats(),
	}
	if s.TotalRequests > 0 {
		s.AvgDuration = time.Duration(m.global.totalDuration.Load() / s.TotalRequests)
	}
	return s
}
