package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

// runner-local collectors; registered only when a registerer is given
type metricSet struct {
	msgs     *prometheus.CounterVec
	apply    *prometheus.CounterVec
	proc     *prometheus.HistogramVec
	lagGauge prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_invalidation_messages_total",
			Help: "Layer-update messages by result (ok, error, invalid).",
		}, []string{"result"}),
		apply: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_invalidation_actions_total",
			Help: "Cached reports evicted and events skipped, by action.",
		}, []string{"action"}),
		proc: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "report_invalidation_processing_seconds",
			Help:    "Time to apply one layer-update message, by op.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		lagGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "report_invalidation_lag_seconds",
			Help: "Age of the last consumed layer-update message.",
		}),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.apply, m.proc, m.lagGauge)
	}
	return m
}
