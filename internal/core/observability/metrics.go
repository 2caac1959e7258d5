// Package observability holds the process-wide Prometheus collectors.
package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	layerQuerySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "layer_query_duration_seconds",
			Help:    "Duration of one layer intersection query by result.",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 15),
		},
		[]string{"result"},
	)

	layerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_outcomes_total",
			Help: "Layers evaluated by outcome (ok, empty, failed, dropped).",
		},
		[]string{"outcome"},
	)

	reportDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_duration_seconds",
			Help:    "End-to-end report computation time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"source"},
	)

	gcPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_forced_gc_total",
			Help: "Forced garbage collection passes between layer batches.",
		},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_cache_results_total",
			Help: "Report cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation latency by op and result.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "result"},
	)

	reportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_events_total",
			Help: "Report-computed events by result (queued, dropped, failed).",
		},
		[]string{"result"},
	)

	layerInvalidatedAt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "layer_invalidated_at_seconds",
			Help: "Unix time of the last applied invalidation per layer.",
		},
		[]string{"layer"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		layerQuerySeconds, layerOutcomes, reportDurationSeconds, gcPasses,
		cacheResults, cacheOpSeconds, reportEvents, layerInvalidatedAt,
	}
}

func init() {
	prometheus.MustRegister(collectors()...)
}

// Init additionally registers the collectors on reg, e.g. a dedicated metrics
// registry. Registering twice on the same registry is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveLayerQuery(result string, durationSeconds float64) {
	layerQuerySeconds.WithLabelValues(result).Observe(durationSeconds)
}

func IncLayerOutcome(outcome string) {
	layerOutcomes.WithLabelValues(outcome).Inc()
}

func ObserveReport(source string, durationSeconds float64) {
	reportDurationSeconds.WithLabelValues(source).Observe(durationSeconds)
}

func IncGCPass() { gcPasses.Inc() }

func IncCacheHit() { cacheResults.WithLabelValues("hit").Inc() }

func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpSeconds.WithLabelValues(op, result).Observe(durationSeconds)
}

func IncReportEvent(result string) {
	reportEvents.WithLabelValues(result).Inc()
}

func SetLayerInvalidatedAt(layer string, ts time.Time) {
	layerInvalidatedAt.WithLabelValues(layer).Set(float64(ts.Unix()))
}
