package dualstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the repository's prometheus collectors.
type Metrics struct {
	// OpsTotal counts repository operations by operation and result kind.
	OpsTotal *prometheus.CounterVec
	// OpDuration tracks operation latency in seconds.
	OpDuration *prometheus.HistogramVec
	// CacheFallbacks counts reads answered by the graph instead of the cache.
	CacheFallbacks *prometheus.CounterVec
	// CacheRepairs counts cache repair outcomes (queued, ok, fail).
	CacheRepairs *prometheus.CounterVec
	// ClearFailures counts ClearSession failures by stage.
	ClearFailures *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_repository_operations_total",
				Help: "Session repository operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		OpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessiond_repository_operation_duration_seconds",
				Help:    "Session repository operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		CacheFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_cache_fallbacks_total",
				Help: "Reads served from the graph store instead of the cache, by reason",
			},
			[]string{"reason"},
		),
		CacheRepairs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_cache_repairs_total",
				Help: "Cache repair jobs by result",
			},
			[]string{"result"},
		),
		ClearFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_session_clear_failures_total",
				Help: "ClearSession failures by stage",
			},
			[]string{"stage"},
		),
	}
}
