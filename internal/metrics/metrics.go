// Package metrics exposes Prometheus collectors for extraction and schema
// evolution, plus usage summaries computed from recorded LLM calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "doc2json"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	Tokens           *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Extractions      *prometheus.CounterVec
	ExtractionTime   *prometheus.HistogramVec
	ReviewStatus     *prometheus.CounterVec
	SchemaPromotions *prometheus.CounterVec
	BatchInFlight    prometheus.Gauge
}

// New creates collectors registered on a fresh registry, including the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider, mode and outcome.",
		}, []string{"provider", "mode", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"provider", "mode"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider and direction (input|output).",
		}, []string{"provider", "direction"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcer_retries_total",
			Help:      "Enforcer retries by reason (validation|backoff|fallback).",
		}, []string{"reason"}),
		Extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Documents processed by schema and outcome.",
		}, []string{"schema", "outcome"}),
		ExtractionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "End-to-end time per document.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"schema"}),
		ReviewStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_status_total",
			Help:      "Assessment outcomes by schema and review status.",
		}, []string{"schema", "status"}),
		SchemaPromotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_versions_created_total",
			Help:      "Schema versions created by schema and cause (register|apply|rollback).",
		}, []string{"schema", "cause"}),
		BatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_in_flight",
			Help:      "Documents currently being extracted.",
		}),
	}

	reg.MustRegister(
		m.ProviderCalls, m.ProviderLatency, m.Tokens, m.Retries,
		m.Extractions, m.ExtractionTime, m.ReviewStatus, m.SchemaPromotions,
		m.BatchInFlight,
	)
	return m
}

// Registry returns the underlying registry (for tests and custom handlers).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProviderCall records one adapter call.
func (m *Metrics) ObserveProviderCall(provider, mode, outcome string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, mode, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, mode).Observe(latency.Seconds())
	if inputTokens > 0 {
		m.Tokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.Tokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// ObserveRetry counts an enforcer transition that spends budget.
func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(reason).Inc()
}

// ObserveExtraction records a finished document.
func (m *Metrics) ObserveExtraction(schema, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(schema, outcome).Inc()
	m.ExtractionTime.WithLabelValues(schema).Observe(d.Seconds())
}

// ObserveReview records an assessment classification.
func (m *Metrics) ObserveReview(schema, status string) {
	if m == nil {
		return
	}
	m.ReviewStatus.WithLabelValues(schema, status).Inc()
}

// ObserveSchemaVersion records a new schema version.
func (m *Metrics) ObserveSchemaVersion(schema, cause string) {
	if m == nil {
		return
	}
	m.SchemaPromotions.WithLabelValues(schema, cause).Inc()
}

// DocumentStarted and DocumentFinished track in-flight documents.
func (m *Metrics) DocumentStarted() {
	if m == nil {
		return
	}
	m.BatchInFlight.Inc()
}

func (m *Metrics) DocumentFinished() {
	if m == nil {
		return
	}
	m.BatchInFlight.Dec()
}
