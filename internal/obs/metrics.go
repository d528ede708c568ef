package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mdstore/internal/model/enum"
)

const (
	namespace       = "mdstore"
	maxRejectReason = int(enum.RejectTimeout)
)

var _ prometheus.Collector = (*Metrics)(nil)

// Metrics collects lightweight counters and latency stats. It implements
// prometheus.Collector so the same counters back the /metrics endpoint.
type Metrics struct {
	commits          uint64
	rejectCounts     [maxRejectReason + 1]uint64
	storageFaults    uint64
	timeouts         uint64
	subscriberDrops  uint64
	deliveries       uint64
	deliveryFailures uint64

	cleanupRuns      uint64
	cleanupFailures  uint64
	retentionDeleted uint64
	barsWritten      uint64
	recordsArchived  uint64
	barsDeleted      uint64

	commitLatency  LatencyStats
	cleanupLatency LatencyStats

	gaugeMu sync.RWMutex
	gauges  []gauge
}

type gauge struct {
	desc *prometheus.Desc
	fn   func() float64
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	Sum   time.Duration `json:"sum"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Commits          uint64                       `json:"commits"`
	Rejects          map[enum.RejectReason]uint64 `json:"rejects"`
	StorageFaults    uint64                       `json:"storageFaults"`
	Timeouts         uint64                       `json:"timeouts"`
	SubscriberDrops  uint64                       `json:"subscriberDrops"`
	Deliveries       uint64                       `json:"deliveries"`
	DeliveryFailures uint64                       `json:"deliveryFailures"`
	CleanupRuns      uint64                       `json:"cleanupRuns"`
	CleanupFailures  uint64                       `json:"cleanupFailures"`
	RetentionDeleted uint64                       `json:"retentionDeleted"`
	BarsWritten      uint64                       `json:"barsWritten"`
	BarsDeleted      uint64                       `json:"barsDeleted"`
	RecordsArchived  uint64                       `json:"recordsArchived"`
	CommitLatency    LatencySnapshot              `json:"commitLatency"`
	CleanupLatency   LatencySnapshot              `json:"cleanupLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveCommit counts a commit and its end to end latency.
func (m *Metrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.commits, 1)
	m.commitLatency.Observe(d)
}

// IncReject counts a rejected submission. Persistence failures and timeouts
// also feed their own counters.
func (m *Metrics) IncReject(reason enum.RejectReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if reason.IsAvailable() && idx < len(m.rejectCounts) {
		atomic.AddUint64(&m.rejectCounts[idx], 1)
	}
	switch reason {
	case enum.RejectPersistenceFailure:
		atomic.AddUint64(&m.storageFaults, 1)
	case enum.RejectTimeout:
		atomic.AddUint64(&m.timeouts, 1)
	}
}

// IncSubscriberDrop records a notification dropped from a full subscriber queue.
func (m *Metrics) IncSubscriberDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.subscriberDrops, 1)
}

// IncDelivery records a notification handed to a subscriber callback.
func (m *Metrics) IncDelivery() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.deliveries, 1)
}

// IncDeliveryFailure records a subscriber callback that panicked.
func (m *Metrics) IncDeliveryFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.deliveryFailures, 1)
}

// ObserveCleanup records one retention pass.
func (m *Metrics) ObserveCleanup(d time.Duration, deleted, bars, archived, barsDeleted int64, failures int) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.cleanupRuns, 1)
	atomic.AddUint64(&m.retentionDeleted, nonNegative(deleted))
	atomic.AddUint64(&m.barsWritten, nonNegative(bars))
	atomic.AddUint64(&m.recordsArchived, nonNegative(archived))
	atomic.AddUint64(&m.barsDeleted, nonNegative(barsDeleted))
	atomic.AddUint64(&m.cleanupFailures, nonNegative(int64(failures)))
	m.cleanupLatency.Observe(d)
}

// Gauge registers a value sampled on every prometheus scrape.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.gaugeMu.Lock()
	m.gauges = append(m.gauges, gauge{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		fn:   fn,
	})
	m.gaugeMu.Unlock()
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	rejects := make(map[enum.RejectReason]uint64)
	for _, reason := range enum.RejectReasons() {
		if v := atomic.LoadUint64(&m.rejectCounts[int(reason)]); v > 0 {
			rejects[reason] = v
		}
	}
	return Snapshot{
		Commits:          atomic.LoadUint64(&m.commits),
		Rejects:          rejects,
		StorageFaults:    atomic.LoadUint64(&m.storageFaults),
		Timeouts:         atomic.LoadUint64(&m.timeouts),
		SubscriberDrops:  atomic.LoadUint64(&m.subscriberDrops),
		Deliveries:       atomic.LoadUint64(&m.deliveries),
		DeliveryFailures: atomic.LoadUint64(&m.deliveryFailures),
		CleanupRuns:      atomic.LoadUint64(&m.cleanupRuns),
		CleanupFailures:  atomic.LoadUint64(&m.cleanupFailures),
		RetentionDeleted: atomic.LoadUint64(&m.retentionDeleted),
		BarsWritten:      atomic.LoadUint64(&m.barsWritten),
		BarsDeleted:      atomic.LoadUint64(&m.barsDeleted),
		RecordsArchived:  atomic.LoadUint64(&m.recordsArchived),
		CommitLatency:    m.commitLatency.Snapshot(),
		CleanupLatency:   m.cleanupLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
		Sum:   time.Duration(sum),
	}
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
