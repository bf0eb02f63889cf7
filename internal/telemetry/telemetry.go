// Package telemetry provides the shared metrics and tracing surface used by
// the resilience pipeline and the caching coordinator: Prometheus
// collectors keyed by outcome, plus a narrow OpenTelemetry tracer wrapper.
package telemetry

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Metrics bundles the Prometheus collectors kestrel registers. A nil
// *Metrics is safe to call methods on; NewNopMetrics returns a non-nil
// *Metrics whose collectors are never registered.
type Metrics struct {
	requests         *prometheus.CounterVec
	retries          prometheus.Counter
	circuitRejects   prometheus.Counter
	bulkheadRejects  prometheus.Counter
	cacheOutcomes    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
}

// NewMetrics registers kestrel's collectors against reg. Pass a dedicated
// *prometheus.Registry (not prometheus.DefaultRegisterer) unless the caller
// wants kestrel's metrics in the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_requests_total",
			Help: "Requests completed by the resilience pipeline, labeled by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_retry_attempts_total",
			Help: "Retry attempts issued by the resilience pipeline.",
		}),
		circuitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_circuit_breaker_rejections_total",
			Help: "Requests rejected because the circuit breaker was open.",
		}),
		bulkheadRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_bulkhead_rejections_total",
			Help: "Requests rejected because the bulkhead queue was full.",
		}),
		cacheOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_cache_outcomes_total",
			Help: "Caching coordinator outcomes, labeled by outcome (hit, miss, stale-while-revalidate, stale-if-error, revalidated, revalidated-fresh, fallback, race-cache-first, race-network-first, store).",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_request_duration_seconds",
			Help:    "Wall-clock time from pipeline entry to settlement.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.retries, m.circuitRejects, m.bulkheadRejects, m.cacheOutcomes, m.requestDuration)
	}
	return m
}

// NewNopMetrics returns collectors that are never registered, for callers
// that don't want Prometheus wiring.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}

func (m *Metrics) ObserveOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(seconds)
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncCircuitReject() {
	if m == nil {
		return
	}
	m.circuitRejects.Inc()
}

func (m *Metrics) IncBulkheadReject() {
	if m == nil {
		return
	}
	m.bulkheadRejects.Inc()
}

func (m *Metrics) ObserveCacheOutcome(outcome string) {
	if m == nil {
		return
	}
	m.cacheOutcomes.WithLabelValues(outcome).Inc()
}

// Tracer wraps an otel tracer so pipeline/coordinator code depends only on
// this narrow interface, not the full SDK surface.
type Tracer struct {
	tracer oteltrace.Tracer
}

// NewTracer builds a Tracer backed by a fresh TracerProvider using exp as its
// span exporter (typically stdouttrace.New(), or a no-op exporter in tests).
func NewTracer(name string, exp trace.SpanExporter) *Tracer {
	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
	return &Tracer{tracer: tp.Tracer(name)}
}

// NewNopTracer returns a Tracer backed by the global otel no-op provider.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer("kestrel/nop")}
}

// NewStdoutTracer builds a Tracer that pretty-prints spans to w, suited to
// local development and demos.
func NewStdoutTracer(name string, w io.Writer) (*Tracer, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return NewTracer(name, exp), nil
}

func (t *Tracer) Start(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}
