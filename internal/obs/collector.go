package obs

import (
	"github.com/prometheus/client_golang/prometheus"

	"mdstore/internal/model/enum"
)

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

var (
	commitsDesc          = newDesc("commits_total", "Records committed to the durable log.")
	rejectsDesc          = newDesc("rejects_total", "Submissions rejected, by reason.", "reason")
	subscriberDropsDesc  = newDesc("subscriber_drops_total", "Notifications dropped from full subscriber queues.")
	deliveriesDesc       = newDesc("deliveries_total", "Notifications handed to subscriber callbacks.")
	deliveryFailuresDesc = newDesc("delivery_failures_total", "Subscriber callbacks that panicked.")
	cleanupRunsDesc      = newDesc("cleanup_runs_total", "Retention passes run.")
	cleanupFailuresDesc  = newDesc("cleanup_failures_total", "Symbols whose retention step failed.")
	retentionDeletedDesc = newDesc("retention_deleted_total", "Raw records removed by retention.")
	barsWrittenDesc      = newDesc("bars_written_total", "Bars produced by retention.")
	barsDeletedDesc      = newDesc("bars_deleted_total", "Bars removed by retention.")
	archivedDesc         = newDesc("archived_records_total", "Raw records written to archive segments.")
	commitLatencyDesc    = newDesc("commit_latency_seconds", "Submit latency of committed records.")
	cleanupLatencyDesc   = newDesc("cleanup_latency_seconds", "Duration of retention passes.")
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		commitsDesc, rejectsDesc, subscriberDropsDesc, deliveriesDesc, deliveryFailuresDesc,
		cleanupRunsDesc, cleanupFailuresDesc, retentionDeletedDesc, barsWrittenDesc,
		barsDeletedDesc, archivedDesc, commitLatencyDesc, cleanupLatencyDesc,
	} {
		ch <- desc
	}
	m.gaugeMu.RLock()
	for _, g := range m.gauges {
		ch <- g.desc
	}
	m.gaugeMu.RUnlock()
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	counter(commitsDesc, snap.Commits)
	for _, reason := range enum.RejectReasons() {
		counter(rejectsDesc, snap.Rejects[reason], reason.String())
	}
	counter(subscriberDropsDesc, snap.SubscriberDrops)
	counter(deliveriesDesc, snap.Deliveries)
	counter(deliveryFailuresDesc, snap.DeliveryFailures)
	counter(cleanupRunsDesc, snap.CleanupRuns)
	counter(cleanupFailuresDesc, snap.CleanupFailures)
	counter(retentionDeletedDesc, snap.RetentionDeleted)
	counter(barsWrittenDesc, snap.BarsWritten)
	counter(barsDeletedDesc, snap.BarsDeleted)
	counter(archivedDesc, snap.RecordsArchived)

	summary := func(desc *prometheus.Desc, l LatencySnapshot) {
		ch <- prometheus.MustNewConstSummary(desc, l.Count, l.Sum.Seconds(), map[float64]float64{})
	}
	summary(commitLatencyDesc, snap.CommitLatency)
	summary(cleanupLatencyDesc, snap.CleanupLatency)

	m.gaugeMu.RLock()
	gauges := append([]gauge(nil), m.gauges...)
	m.gaugeMu.RUnlock()
	for _, g := range gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.fn())
	}
}
