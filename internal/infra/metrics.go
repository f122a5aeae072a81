package infra

import (
	"sync/atomic"
	"time"

	"livedata_go/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides lightweight observability of the subscription client.
// Uses atomic operations for thread-safety. All methods are safe on a nil receiver.
type Metrics struct {
	// Counters
	requestsSent     atomic.Uint64
	resultsSuccess   atomic.Uint64
	resultsDenied    atomic.Uint64
	resultsMissing   atomic.Uint64
	resultsInternal  atomic.Uint64
	snapshotTimeouts atomic.Uint64
	ticksHeld        atomic.Uint64
	ticksReleased    atomic.Uint64
	ticksDiscarded   atomic.Uint64
	heartbeatsSent   atomic.Uint64
	heartbeatsFailed atomic.Uint64

	// Handshake latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	pendingHandles    atomic.Int64
}

// RecordRequest records one outbound batched request.
func (m *Metrics) RecordRequest() {
	if m == nil {
		return
	}
	m.requestsSent.Add(1)
}

// RecordResult records a terminal per-key outcome.
func (m *Metrics) RecordResult(outcome domain.Outcome) {
	if m == nil {
		return
	}
	switch outcome {
	case domain.OutcomeSuccess:
		m.resultsSuccess.Add(1)
	case domain.OutcomeNotAuthorized:
		m.resultsDenied.Add(1)
	case domain.OutcomeUnavailable:
		m.resultsMissing.Add(1)
	case domain.OutcomeInternalError:
		m.resultsInternal.Add(1)
	}
}

// RecordHandshake records the time from request to resolution of one key.
func (m *Metrics) RecordHandshake(latency time.Duration) {
	if m == nil {
		return
	}
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordTimeout records a blocking snapshot that exceeded its deadline.
func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.snapshotTimeouts.Add(1)
}

// RecordTicksHeld records ticks buffered by a pending handle.
func (m *Metrics) RecordTicksHeld(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ticksHeld.Add(uint64(n))
}

// RecordPlayback records the ticks released and discarded when a handle goes live.
func (m *Metrics) RecordPlayback(released, discarded int) {
	if m == nil {
		return
	}
	if released > 0 {
		m.ticksReleased.Add(uint64(released))
	}
	if discarded > 0 {
		m.ticksDiscarded.Add(uint64(discarded))
	}
}

// RecordHeartbeat records a heartbeat send attempt.
func (m *Metrics) RecordHeartbeat(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.heartbeatsSent.Add(1)
	} else {
		m.heartbeatsFailed.Add(1)
	}
}

// AddPending adjusts the pending handle gauge by delta.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.pendingHandles.Add(int64(delta))
}

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	if m == nil {
		return
	}
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	RequestsSent      uint64
	ResultsSuccess    uint64
	ResultsDenied     uint64
	ResultsMissing    uint64
	ResultsInternal   uint64
	SnapshotTimeouts  uint64
	TicksHeld         uint64
	TicksReleased     uint64
	TicksDiscarded    uint64
	HeartbeatsSent    uint64
	HeartbeatsFailed  uint64
	AvgHandshakeNs    int64
	ActiveConnections int32
	PendingHandles    int64
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Timestamp: time.Now()}
	}
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		RequestsSent:      m.requestsSent.Load(),
		ResultsSuccess:    m.resultsSuccess.Load(),
		ResultsDenied:     m.resultsDenied.Load(),
		ResultsMissing:    m.resultsMissing.Load(),
		ResultsInternal:   m.resultsInternal.Load(),
		SnapshotTimeouts:  m.snapshotTimeouts.Load(),
		TicksHeld:         m.ticksHeld.Load(),
		TicksReleased:     m.ticksReleased.Load(),
		TicksDiscarded:    m.ticksDiscarded.Load(),
		HeartbeatsSent:    m.heartbeatsSent.Load(),
		HeartbeatsFailed:  m.heartbeatsFailed.Load(),
		AvgHandshakeNs:    avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		PendingHandles:    m.pendingHandles.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.requestsSent.Store(0)
	m.resultsSuccess.Store(0)
	m.resultsDenied.Store(0)
	m.resultsMissing.Store(0)
	m.resultsInternal.Store(0)
	m.snapshotTimeouts.Store(0)
	m.ticksHeld.Store(0)
	m.ticksReleased.Store(0)
	m.ticksDiscarded.Store(0)
	m.heartbeatsSent.Store(0)
	m.heartbeatsFailed.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.pendingHandles.Store(0)
}

var (
	descRequests = prometheus.NewDesc("livedata_requests_total",
		"Batched subscription requests sent", nil, nil)
	descResults = prometheus.NewDesc("livedata_results_total",
		"Terminal per-key outcomes by result", []string{"outcome"}, nil)
	descTimeouts = prometheus.NewDesc("livedata_snapshot_timeouts_total",
		"Blocking snapshots that exceeded their deadline", nil, nil)
	descTicks = prometheus.NewDesc("livedata_ticks_total",
		"Ticks handled during the subscription handshake by disposition", []string{"disposition"}, nil)
	descHeartbeats = prometheus.NewDesc("livedata_heartbeats_total",
		"Heartbeat send attempts by status", []string{"status"}, nil)
	descHandshake = prometheus.NewDesc("livedata_handshake_avg_seconds",
		"Average time from request to resolution of a key", nil, nil)
	descConnections = prometheus.NewDesc("livedata_active_connections",
		"Open transport connections", nil, nil)
	descPending = prometheus.NewDesc("livedata_pending_handles",
		"Subscription handles awaiting a response", nil, nil)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRequests
	ch <- descResults
	ch <- descTimeouts
	ch <- descTicks
	ch <- descHeartbeats
	ch <- descHandshake
	ch <- descConnections
	ch <- descPending
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()

	ch <- prometheus.MustNewConstMetric(descRequests, prometheus.CounterValue, float64(s.RequestsSent))
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.ResultsSuccess), "success")
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.ResultsDenied), "not_authorized")
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.ResultsMissing), "unavailable")
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.ResultsInternal), "internal_error")
	ch <- prometheus.MustNewConstMetric(descTimeouts, prometheus.CounterValue, float64(s.SnapshotTimeouts))
	ch <- prometheus.MustNewConstMetric(descTicks, prometheus.CounterValue, float64(s.TicksHeld), "held")
	ch <- prometheus.MustNewConstMetric(descTicks, prometheus.CounterValue, float64(s.TicksReleased), "released")
	ch <- prometheus.MustNewConstMetric(descTicks, prometheus.CounterValue, float64(s.TicksDiscarded), "discarded")
	ch <- prometheus.MustNewConstMetric(descHeartbeats, prometheus.CounterValue, float64(s.HeartbeatsSent), "sent")
	ch <- prometheus.MustNewConstMetric(descHeartbeats, prometheus.CounterValue, float64(s.HeartbeatsFailed), "failed")
	ch <- prometheus.MustNewConstMetric(descHandshake, prometheus.GaugeValue, time.Duration(s.AvgHandshakeNs).Seconds())
	ch <- prometheus.MustNewConstMetric(descConnections, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(descPending, prometheus.GaugeValue, float64(s.PendingHandles))
}
