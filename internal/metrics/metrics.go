// Package metrics provides optional Prometheus instrumentation for the
// features client: cache size, fetch activity, streaming connection state,
// and metrics-upload activity.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so an application embedding multiple client instances
// never collides on metric names; [Metrics.Handler] exposes them on
// whatever mux the application chooses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the client registers.
type Metrics struct {
	Registry *prometheus.Registry

	CacheSize prometheus.Gauge

	FetchTotal    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	StreamingState      *prometheus.GaugeVec
	StreamingReconnects prometheus.Counter
	StreamingEvents     prometheus.Counter

	MetricsUploadTotal    *prometheus.CounterVec
	MetricsUploadDuration prometheus.Histogram

	EvaluationsTotal *prometheus.CounterVec
}

// New creates and registers every client metric in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featuresclient_cache_size",
			Help: "Number of flags in the active cache generation.",
		}),

		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featuresclient_fetch_total",
			Help: "Total number of flag-fetch requests, by outcome.",
		}, []string{"outcome"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featuresclient_fetch_duration_seconds",
			Help:    "Flag-fetch request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		StreamingState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "featuresclient_streaming_state",
			Help: "1 for the streaming connection's current state, 0 otherwise.",
		}, []string{"state", "transport"}),

		StreamingReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featuresclient_streaming_reconnects_total",
			Help: "Total number of streaming reconnect attempts.",
		}),

		StreamingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featuresclient_streaming_events_total",
			Help: "Total number of streaming invalidation events received.",
		}),

		MetricsUploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featuresclient_metrics_upload_total",
			Help: "Total number of metrics-bucket uploads, by outcome.",
		}, []string{"outcome"}),

		MetricsUploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "featuresclient_metrics_upload_duration_seconds",
			Help:    "Metrics-bucket upload latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featuresclient_evaluations_total",
			Help: "Total number of flag evaluations performed by the client, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.CacheSize,
		m.FetchTotal,
		m.FetchDuration,
		m.StreamingState,
		m.StreamingReconnects,
		m.StreamingEvents,
		m.MetricsUploadTotal,
		m.MetricsUploadDuration,
		m.EvaluationsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetCacheSize updates the active-generation size gauge.
func (m *Metrics) SetCacheSize(size int) {
	m.CacheSize.Set(float64(size))
}

// ObserveFetch records one fetch attempt's outcome and latency.
func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	m.FetchTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// streamingStates enumerates every gauge label SetStreamingState clears on
// each transition, so only the current state ever reads 1.
var streamingStates = []string{"disconnected", "connecting", "connected", "reconnecting", "degraded"}

// SetStreamingState marks state as the only active state for transport.
func (m *Metrics) SetStreamingState(transport, state string) {
	for _, s := range streamingStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.StreamingState.WithLabelValues(s, transport).Set(v)
	}
}

// IncStreamingReconnect increments the reconnect counter.
func (m *Metrics) IncStreamingReconnect() {
	m.StreamingReconnects.Inc()
}

// IncStreamingEvent increments the streaming invalidation-event counter.
func (m *Metrics) IncStreamingEvent() {
	m.StreamingEvents.Inc()
}

// ObserveMetricsUpload records one metrics-bucket upload's outcome and
// latency.
func (m *Metrics) ObserveMetricsUpload(outcome string, d time.Duration) {
	m.MetricsUploadTotal.WithLabelValues(outcome).Inc()
	m.MetricsUploadDuration.Observe(d.Seconds())
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	label := "false"
	if result {
		label = "true"
	}
	m.EvaluationsTotal.WithLabelValues(label).Inc()
}
