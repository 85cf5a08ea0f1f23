package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"encore.app/pkg/middleware"
)

// promExporter mirrors the collector's counters into real Prometheus
// collectors so external scrapers (rather than the JSON/CSV/text export in
// dashboard.go) can pull metrics in the standard exposition format.
type promExporter struct {
	registry *prometheus.Registry
	handler  http.Handler

	cacheHits     prometheus.CounterFunc
	cacheMisses   prometheus.CounterFunc
	cacheSets     prometheus.CounterFunc
	cacheDeletes  prometheus.CounterFunc
	evictions     prometheus.CounterFunc
	invalidations prometheus.CounterFunc
	warmings      prometheus.CounterFunc
	errors        prometheus.CounterFunc
	latencyP95    prometheus.GaugeFunc
}

func newPromExporter(collector *MetricsCollector) *promExporter {
	registry := prometheus.NewRegistry()

	e := &promExporter{registry: registry}
	e.cacheHits = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total number of cache hits observed across instances.",
	}, func() float64 { return float64(collector.cacheHits.Load()) })
	e.cacheMisses = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of cache misses observed across instances.",
	}, func() float64 { return float64(collector.cacheMisses.Load()) })
	e.cacheSets = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_sets_total",
		Help: "Total number of cache set operations.",
	}, func() float64 { return float64(collector.cacheSets.Load()) })
	e.cacheDeletes = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_deletes_total",
		Help: "Total number of cache delete operations.",
	}, func() float64 { return float64(collector.cacheDeletes.Load()) })
	e.evictions = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of Arc evictions across instances.",
	}, func() float64 { return float64(collector.evictions.Load()) })
	e.invalidations = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_invalidations_total",
		Help: "Total number of invalidation events processed.",
	}, func() float64 { return float64(collector.invalidations.Load()) })
	e.warmings = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_warmings_total",
		Help: "Total number of warming completions processed.",
	}, func() float64 { return float64(collector.warmings.Load()) })
	e.errors = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cache_errors_total",
		Help: "Total number of errors recorded by any service.",
	}, func() float64 { return float64(collector.errors.Load()) })
	e.latencyP95 = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cache_latency_p95_ms",
		Help: "P95 operation latency in milliseconds over the retained sample window.",
	}, func() float64 { return collector.GetLatencyStats().P95 })

	registry.MustRegister(e.cacheHits, e.cacheMisses, e.cacheSets, e.cacheDeletes,
		e.evictions, e.invalidations, e.warmings, e.errors, e.latencyP95)

	scrapeLimiter := middleware.NewTokenBucket(10, 20) // 10 scrapes/sec per source, burst 20
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler = middleware.RateLimitMiddleware(handler, scrapeLimiter, middleware.KeyByIP)
	e.handler = middleware.RequestLogger(handler)
	return e
}

// PrometheusMetrics exposes the standard Prometheus exposition format for
// external scrapers, alongside the dashboard's JSON/CSV/Prometheus-text
// export endpoint.
//
//encore:api public raw method=GET path=/monitoring/prometheus
func PrometheusMetrics(w http.ResponseWriter, req *http.Request) {
	if svc == nil || svc.collector == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	svc.promOnce.Do(func() {
		svc.prom = newPromExporter(svc.collector)
	})
	svc.prom.handler.ServeHTTP(w, req)
}
