package mvcc

import "github.com/prometheus/client_golang/prometheus"

// storageMetrics bundles the Prometheus collectors a Storage/Cell instance
// updates over its lifetime. Registration is the caller's responsibility
// (via NewStorageMetrics): collectors live on each instance, not at package
// level, and are registered against an explicit registry rather than the
// global default one, so that multiple Storage instances in one process
// don't collide.
type storageMetrics struct {
	blocksCommitted prometheus.Counter
	blocksReverted  prometheus.Counter
	blocksDiscarded prometheus.Counter
	txApplied       prometheus.Counter
	txDiscarded     prometheus.Counter
	baseMapLen      prometheus.Gauge
	commitLatency   prometheus.Histogram
}

// NewStorageMetrics builds and registers the collector set for one
// Storage/Cell instance against reg, labeling every series with instanceID
// so several instances can share a registry without name collisions.
func NewStorageMetrics(reg prometheus.Registerer, instanceID string) *storageMetrics {
	labels := prometheus.Labels{"instance": instanceID}
	m := &storageMetrics{
		blocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mvcc_blocks_committed_total",
			Help:        "Blocks committed, including blocks opened with revert=true.",
			ConstLabels: labels,
		}),
		blocksReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mvcc_blocks_reverted_total",
			Help:        "Blocks opened with revert=true.",
			ConstLabels: labels,
		}),
		blocksDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mvcc_blocks_discarded_total",
			Help:        "Blocks dropped without committing.",
			ConstLabels: labels,
		}),
		txApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mvcc_transactions_applied_total",
			Help:        "Transactions resolved via Apply.",
			ConstLabels: labels,
		}),
		txDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mvcc_transactions_discarded_total",
			Help:        "Transactions resolved via Discard or dropped without Apply.",
			ConstLabels: labels,
		}),
		baseMapLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mvcc_base_map_entries",
			Help:        "Number of keys currently in the Base Map.",
			ConstLabels: labels,
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "mvcc_commit_duration_seconds",
			Help:        "Wall-clock time spent inside Block.Commit.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.blocksCommitted, m.blocksReverted, m.blocksDiscarded,
			m.txApplied, m.txDiscarded, m.baseMapLen, m.commitLatency,
		)
	}
	return m
}
