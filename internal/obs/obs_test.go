package obs

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdstore/internal/model/enum"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveCommit(2 * time.Millisecond)
	m.ObserveCommit(4 * time.Millisecond)
	m.IncReject(enum.RejectMalformed)
	m.IncReject(enum.RejectPersistenceFailure)
	m.IncReject(enum.RejectTimeout)
	m.IncSubscriberDrop()
	m.IncDeliveryFailure()
	m.ObserveCleanup(time.Second, 10, 2, 10, 1, 1)

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.Commits)
	assert.EqualValues(t, 1, snap.Rejects[enum.RejectMalformed])
	assert.EqualValues(t, 1, snap.StorageFaults)
	assert.EqualValues(t, 1, snap.Timeouts)
	assert.EqualValues(t, 1, snap.SubscriberDrops)
	assert.EqualValues(t, 1, snap.DeliveryFailures)
	assert.EqualValues(t, 10, snap.RetentionDeleted)
	assert.EqualValues(t, 2, snap.BarsWritten)
	assert.EqualValues(t, 1, snap.CleanupFailures)
	assert.Equal(t, 2*time.Millisecond, snap.CommitLatency.Min)
	assert.Equal(t, 4*time.Millisecond, snap.CommitLatency.Max)
	assert.Equal(t, 3*time.Millisecond, snap.CommitLatency.Avg)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCommit(time.Millisecond)
	m.IncReject(enum.RejectMalformed)
	m.IncSubscriberDrop()
	assert.Zero(t, m.Snapshot().Commits)
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetrics()
	m.ObserveCommit(time.Millisecond)
	m.IncReject(enum.RejectMissingSymbol)
	m.Gauge("cached_records", "Records held in the memory cache.", func() float64 { return 42 })

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(m))

	expected := `
# HELP mdstore_commits_total Records committed to the durable log.
# TYPE mdstore_commits_total counter
mdstore_commits_total 1
# HELP mdstore_cached_records Records held in the memory cache.
# TYPE mdstore_cached_records gauge
mdstore_cached_records 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mdstore_commits_total", "mdstore_cached_records"))

	count, err := testutil.GatherAndCount(reg, "mdstore_rejects_total")
	require.NoError(t, err)
	assert.Equal(t, len(enum.RejectReasons()), count)
}

func TestHealthDegradesUntilNextCommit(t *testing.T) {
	h := NewHealth()
	assert.Equal(t, enum.HealthOK, h.Snapshot().Status)

	at := time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC)
	h.Commit(at)
	h.Fault(errors.New("disk full"), at.Add(time.Second))
	h.Fault(errors.New("disk full"), at.Add(2*time.Second))

	snap := h.Snapshot()
	assert.Equal(t, enum.HealthDegraded, snap.Status)
	assert.Equal(t, "degraded", snap.State)
	assert.EqualValues(t, 2, snap.ConsecutiveFaults)
	assert.Equal(t, "disk full", snap.LastError)
	assert.Equal(t, 5*time.Second, snap.Staleness(at.Add(5*time.Second)))

	h.Commit(at.Add(3 * time.Second))
	snap = h.Snapshot()
	assert.Equal(t, enum.HealthOK, snap.Status)
	assert.Zero(t, snap.ConsecutiveFaults)
	assert.EqualValues(t, 2, snap.TotalFaults)

	var none *Health
	assert.Equal(t, enum.HealthUnknown, none.Snapshot().Status)
}
