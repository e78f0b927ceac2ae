package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide collectors, registered on the default registry via promauto.
// The HTTP layer and the engine both record here; /metrics exposes them.

var (
	// HTTPRequestsTotal counts requests by method, route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annex_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures server response time per route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annex_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// VectorsTotal tracks the number of live vectors in the index.
	VectorsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annex_vectors_total",
			Help: "Number of vectors currently indexed",
		},
	)

	// SearchesTruncatedTotal counts searches that exhausted their visit
	// budget and returned partial results.
	SearchesTruncatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annex_searches_truncated_total",
			Help: "Searches that hit the visit budget and returned partial results",
		},
	)

	// ReindexRunsTotal counts background rebuilds by outcome.
	ReindexRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annex_reindex_runs_total",
			Help: "Background index rebuilds by outcome",
		},
		[]string{"outcome"},
	)

	// ReindexDuration measures full rebuild wall time.
	ReindexDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annex_reindex_duration_seconds",
			Help:    "Duration of background index rebuilds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// DumpDuration measures index artifact writes.
	DumpDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annex_index_dump_duration_seconds",
			Help:    "Duration of index snapshot writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
