package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "similarity"

// Metrics holds the service's Prometheus collectors.
// A nil *Metrics is valid and records nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	SearchRequests     *prometheus.CounterVec
	SearchDuration     *prometheus.HistogramVec
	IndexProducts      prometheus.Gauge
	IndexBuilds        *prometheus.CounterVec
	IndexBuildFailures *prometheus.CounterVec
	IndexBuildDuration prometheus.Histogram
	EmbeddingCache     *prometheus.CounterVec
	CatalogFetches     *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SearchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "search",
				Name:      "requests_total",
				Help:      "Total number of similarity searches by query kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "search",
				Name:      "duration_seconds",
				Help:      "Similarity search latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		IndexProducts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "products",
				Help:      "Number of products in the published index",
			},
		),

		IndexBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "builds_total",
				Help:      "Total number of index refreshes by result (rebuilt, reused, failed)",
			},
			[]string{"result"},
		),

		IndexBuildFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "build_failures_total",
				Help:      "Products excluded from an index build by error kind",
			},
			[]string{"reason"},
		),

		IndexBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "build_duration_seconds",
				Help:      "Index build duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),

		EmbeddingCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "embedding_cache",
				Name:      "requests_total",
				Help:      "Embedding cache lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),

		CatalogFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "fetch_total",
				Help:      "Catalog fetches by the mode that served them",
			},
			[]string{"mode"},
		),
	}

	m.registry.MustRegister(
		m.SearchRequests,
		m.SearchDuration,
		m.IndexProducts,
		m.IndexBuilds,
		m.IndexBuildFailures,
		m.IndexBuildDuration,
		m.EmbeddingCache,
		m.CatalogFetches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSearch counts a finished search and observes its latency
func (m *Metrics) RecordSearch(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SearchRequests.WithLabelValues(kind, outcome).Inc()
	m.SearchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBuild records a finished refresh
func (m *Metrics) RecordBuild(result string, products int, duration time.Duration) {
	if m == nil {
		return
	}
	m.IndexBuilds.WithLabelValues(result).Inc()
	if result != "failed" {
		m.IndexProducts.Set(float64(products))
	}
	if result == "rebuilt" {
		m.IndexBuildDuration.Observe(duration.Seconds())
	}
}

// RecordBuildFailure counts a product excluded from a build
func (m *Metrics) RecordBuildFailure(reason string) {
	if m == nil {
		return
	}
	m.IndexBuildFailures.WithLabelValues(reason).Inc()
}

// RecordCacheLookup counts an embedding cache lookup
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.EmbeddingCache.WithLabelValues(result).Inc()
}

// RecordCatalogFetch counts a catalog fetch by serving mode
func (m *Metrics) RecordCatalogFetch(mode string) {
	if m == nil {
		return
	}
	m.CatalogFetches.WithLabelValues(mode).Inc()
}
