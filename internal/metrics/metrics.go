// Package metrics holds the Prometheus collectors shared by the shard
// connection cache, resolver, cursors, merge engine and aggregation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shardvault"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so library code never has to guard calls.
type Metrics struct {
	ShardOpens       prometheus.Counter
	ShardUnavailable *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheEvictions   prometheus.Counter
	OpenDescriptors  prometheus.Gauge
	OpenRaces        prometheus.Counter
	Resolutions      *prometheus.CounterVec
	BatchFetches     prometheus.Counter
	BatchDuration    prometheus.Histogram
	MergedRecords    prometheus.Counter
	Aggregations     *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. reg may be nil,
// in which case the collectors are created but not exported.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ShardOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "opens_total",
			Help: "Read-only shard connections opened.",
		}),
		ShardUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "shard_unavailable_total",
			Help: "Shards skipped because they could not be opened or read.",
		}, []string{"stage"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Descriptor lookups served from the cache.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Descriptors closed by idle eviction or explicit eviction.",
		}),
		OpenDescriptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "descriptors",
			Help: "Descriptors currently held open.",
		}),
		OpenRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "open_races_total",
			Help: "Concurrent opens of the same shard where the loser discarded its handle.",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "resolutions_total",
			Help: "Table resolutions by the fallback step that matched.",
		}, []string{"step"}),
		BatchFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cursor", Name: "batches_total",
			Help: "Keyset batches fetched from shards.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cursor", Name: "batch_seconds",
			Help:    "Latency of a single keyset batch fetch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		MergedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "merge", Name: "records_total",
			Help: "Records popped from merge frontiers.",
		}),
		Aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "queries_total",
			Help: "Aggregate requests by metric.",
		}, []string{"metric"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeouts_total",
			Help: "Operations that exceeded their ceiling.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ShardOpens, m.ShardUnavailable, m.CacheHits, m.CacheEvictions,
			m.OpenDescriptors, m.OpenRaces, m.Resolutions, m.BatchFetches,
			m.BatchDuration, m.MergedRecords, m.Aggregations, m.Timeouts,
		)
	}
	return m
}

// Unavailable counts a skipped shard at the given stage.
func (m *Metrics) Unavailable(stage string) {
	if m == nil {
		return
	}
	m.ShardUnavailable.WithLabelValues(stage).Inc()
}

// Resolved counts a resolution by fallback step ("none" when nothing matched).
func (m *Metrics) Resolved(step string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(step).Inc()
}

// Timeout counts an operation that hit its deadline.
func (m *Metrics) Timeout(op string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(op).Inc()
}

// Aggregated counts an aggregate request.
func (m *Metrics) Aggregated(metric string) {
	if m == nil {
		return
	}
	m.Aggregations.WithLabelValues(metric).Inc()
}

// Fetched records one batch fetch and its latency in seconds.
func (m *Metrics) Fetched(seconds float64) {
	if m == nil {
		return
	}
	m.BatchFetches.Inc()
	m.BatchDuration.Observe(seconds)
}

// Merged counts records emitted from a merge frontier.
func (m *Metrics) Merged(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MergedRecords.Add(float64(n))
}

// Opened records a new descriptor.
func (m *Metrics) Opened() {
	if m == nil {
		return
	}
	m.ShardOpens.Inc()
	m.OpenDescriptors.Inc()
}

// Hit records a cache hit.
func (m *Metrics) Hit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// Raced records a discarded duplicate open.
func (m *Metrics) Raced() {
	if m == nil {
		return
	}
	m.OpenRaces.Inc()
}

// Closed records a descriptor leaving the cache. evicted distinguishes
// eviction from shutdown.
func (m *Metrics) Closed(evicted bool) {
	if m == nil {
		return
	}
	m.OpenDescriptors.Dec()
	if evicted {
		m.CacheEvictions.Inc()
	}
}
