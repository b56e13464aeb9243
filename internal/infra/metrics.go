package infra

import (
	"sync/atomic"
	"time"

	"asset_market/internal/domain"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	listingsCreated atomic.Uint64
	salesSettled    atomic.Uint64
	rollbacks       atomic.Uint64
	rejections      [domain.KindAuthorization + 1]atomic.Uint64

	// Settlement latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	feedClients atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordListing counts a committed listing.
func (m *Metrics) RecordListing() {
	m.listingsCreated.Add(1)
}

// RecordSale counts a committed purchase and its settlement latency.
func (m *Metrics) RecordSale(latency time.Duration) {
	m.salesSettled.Add(1)
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordRollback counts a settlement that was compensated after partial application.
func (m *Metrics) RecordRollback() {
	m.rollbacks.Add(1)
}

// RecordRejection counts an operation rejected before any state changed.
func (m *Metrics) RecordRejection(kind domain.Kind) {
	if int(kind) < 0 || int(kind) >= len(m.rejections) {
		kind = domain.KindUnknown
	}
	m.rejections[kind].Add(1)
}

// IncrementFeedClients increments connected feed clients by 1.
func (m *Metrics) IncrementFeedClients() {
	m.feedClients.Add(1)
}

// DecrementFeedClients decrements connected feed clients by 1.
func (m *Metrics) DecrementFeedClients() {
	m.feedClients.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	ListingsCreated uint64
	SalesSettled    uint64
	Rollbacks       uint64
	Rejections      map[string]uint64
	AvgSettleNs     int64
	FeedClients     int32
	Timestamp       time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	rejections := make(map[string]uint64)
	for i := range m.rejections {
		if n := m.rejections[i].Load(); n > 0 {
			rejections[domain.Kind(i).String()] = n
		}
	}

	return MetricsSnapshot{
		ListingsCreated: m.listingsCreated.Load(),
		SalesSettled:    m.salesSettled.Load(),
		Rollbacks:       m.rollbacks.Load(),
		Rejections:      rejections,
		AvgSettleNs:     avgLatency,
		FeedClients:     m.feedClients.Load(),
		Timestamp:       time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.listingsCreated.Store(0)
	m.salesSettled.Store(0)
	m.rollbacks.Store(0)
	for i := range m.rejections {
		m.rejections[i].Store(0)
	}
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.feedClients.Store(0)
}
