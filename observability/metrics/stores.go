package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics tracks snapshot persistence, replay stores, and recon exports.
type StoreMetrics struct {
	snapshotWrites   prometheus.Counter
	snapshotFailures prometheus.Counter
	snapshotDuration prometheus.Histogram
	snapshotBytes    prometheus.Gauge
	replayEntries    *prometheus.GaugeVec
	reconExports     prometheus.Counter
}

var (
	storesOnce     sync.Once
	storesRegistry *StoreMetrics
)

func Stores() *StoreMetrics {
	storesOnce.Do(func() {
		storesRegistry = &StoreMetrics{
			snapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_snapshot_writes_total",
				Help: "Count of state snapshot files written.",
			}),
			snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_snapshot_failures_total",
				Help: "Count of snapshot writes that failed.",
			}),
			snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "router_snapshot_duration_seconds",
				Help:    "Latency of snapshot serialization and rename.",
				Buckets: prometheus.DefBuckets,
			}),
			snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_snapshot_bytes",
				Help: "Size of the most recent snapshot file in bytes.",
			}),
			replayEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "router_replay_entries",
				Help: "Live nonce entries per replay store backend.",
			}, []string{"backend"}),
			reconExports: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_recon_exports_total",
				Help: "Count of reconciliation parquet reports written.",
			}),
		}
		prometheus.MustRegister(
			storesRegistry.snapshotWrites,
			storesRegistry.snapshotFailures,
			storesRegistry.snapshotDuration,
			storesRegistry.snapshotBytes,
			storesRegistry.replayEntries,
			storesRegistry.reconExports,
		)
	})
	return storesRegistry
}

func (m *StoreMetrics) ObserveSnapshot(seconds float64, bytes int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshotFailures.Inc()
		return
	}
	m.snapshotWrites.Inc()
	m.snapshotDuration.Observe(seconds)
	m.snapshotBytes.Set(float64(bytes))
}

func (m *StoreMetrics) SetReplayEntries(backend string, count int) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	m.replayEntries.WithLabelValues(backend).Set(float64(count))
}

func (m *StoreMetrics) IncReconExport() {
	if m == nil {
		return
	}
	m.reconExports.Inc()
}
