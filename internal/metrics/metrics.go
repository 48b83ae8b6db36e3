// Package metrics provides chartgate's Prometheus metric set, following the
// promauto registration idiom. The orchestrator updates the request and
// cache metrics; the pool_* and reconnects_total metrics are registered but
// no package updates them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric chartgate exports. Construct one with New
// and pass it down to the orchestrator at wiring time; pool.New takes no
// Registry.
type Registry struct {
	PoolHealthyConnections prometheus.Gauge
	PoolDegraded           prometheus.Gauge
	PoolAcquireDuration    prometheus.Histogram
	PoolAcquireFailures    prometheus.Counter

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	ReconnectsTotal prometheus.Counter
}

// New registers and returns chartgate's metric set against reg. Pass
// prometheus.DefaultRegisterer for the process-wide default registry.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		PoolHealthyConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chartgate",
			Subsystem: "pool",
			Name:      "healthy_connections",
			Help:      "Number of connections currently Ready or InFlight.",
		}),
		PoolDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chartgate",
			Subsystem: "pool",
			Name:      "degraded",
			Help:      "1 if fewer than half the pool has been healthy for over 60s, else 0.",
		}),
		PoolAcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chartgate",
			Subsystem: "pool",
			Name:      "acquire_duration_seconds",
			Help:      "Time spent waiting to acquire a connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		PoolAcquireFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chartgate",
			Subsystem: "pool",
			Name:      "acquire_failures_total",
			Help:      "Number of acquisitions that failed with PoolExhausted.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chartgate",
			Subsystem: "orchestrator",
			Name:      "request_duration_seconds",
			Help:      "getChart wall-clock duration by resolution and cache outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resolution", "cache_hit"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chartgate",
			Subsystem: "orchestrator",
			Name:      "requests_total",
			Help:      "getChart calls by outcome kind.",
		}, []string{"outcome"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chartgate",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by cache name.",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chartgate",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by cache name.",
		}, []string{"cache"}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chartgate",
			Subsystem: "pool",
			Name:      "reconnects_total",
			Help:      "Total connection reconnect attempts across the pool.",
		}),
	}
}
