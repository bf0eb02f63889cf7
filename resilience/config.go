// Package resilience implements a client-side resilience policy graph:
// overall deadline, retry with Retry-After-aware backoff, bulkhead,
// circuit breaker, and per-request timeout, composed around a
// transport.RoundTripper in a fixed nesting order.
package resilience

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel/internal/telemetry"
)

// TimeoutConfig configures the two independent timers a call may be
// bounded by.
type TimeoutConfig struct {
	// PerRequestTimeout bounds a single transport attempt. Zero disables it.
	PerRequestTimeout time.Duration

	// OverallDeadline bounds the whole call, including retries, queue
	// waits and Retry-After sleeps. Zero disables it.
	OverallDeadline time.Duration
}

// RetryConfig configures retry eligibility and backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt; the
	// pipeline issues at most MaxRetries+1 transport attempts.
	MaxRetries int

	// StatusCodes that count as retriable HTTP failures. Defaults to
	// {408,420,429,500,502,503,504}.
	StatusCodes map[int]struct{}

	// Methods eligible for HTTP-status retries, default
	// {GET,HEAD,PUT,DELETE,OPTIONS,TRACE} plus POST when RetryPosts.
	Methods map[string]struct{}

	// RetryPosts additionally allows POST through the Methods check.
	RetryPosts bool

	// RetryTimeout allows a per-attempt timeout to be retried. Default true.
	RetryTimeout bool

	// RetryNetworkErrors allows transport-level network failures to be
	// retried. Default true.
	RetryNetworkErrors bool

	// InitialDelay, Exponent, MaxDelay parameterize
	// delay_i = min(MaxDelay, InitialDelay * Exponent^i) with full jitter.
	InitialDelay time.Duration
	Exponent     float64
	MaxDelay     time.Duration

	// RetryAfterHeaders lists headers examined on 429/503, in priority
	// order. Defaults to {Retry-After, RateLimit-Reset, X-RateLimit-Reset,
	// X-Rate-Limit-Reset}.
	RetryAfterHeaders []string

	// RetryAfterSafetyMargin is the margin a clamped Retry-After delay
	// must leave before OverallDeadline. Default 5s.
	RetryAfterSafetyMargin time.Duration
}

// DefaultStatusCodes is the default retry/circuit-breaker matching set.
func DefaultStatusCodes() map[int]struct{} {
	return toSet(408, 420, 429, 500, 502, 503, 504)
}

// DefaultRetryMethods is the default retry method set (POST excluded).
func DefaultRetryMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodGet: {}, http.MethodHead: {}, http.MethodPut: {},
		http.MethodDelete: {}, http.MethodOptions: {}, http.MethodTrace: {},
	}
}

func toSet(codes ...int) map[int]struct{} {
	s := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// DefaultRetryConfig returns the library's stated retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:             0,
		StatusCodes:            DefaultStatusCodes(),
		Methods:                DefaultRetryMethods(),
		RetryPosts:             false,
		RetryTimeout:           true,
		RetryNetworkErrors:     true,
		InitialDelay:           128 * time.Millisecond,
		Exponent:               2,
		MaxDelay:               30 * time.Second,
		RetryAfterHeaders:      []string{"Retry-After", "RateLimit-Reset", "X-RateLimit-Reset", "X-Rate-Limit-Reset"},
		RetryAfterSafetyMargin: 5 * time.Second,
	}
}

// CircuitBreakerConfig configures the consecutive-failure circuit breaker.
type CircuitBreakerConfig struct {
	Enabled bool

	// OpenAfterFailedAttempts is the consecutive-failure threshold.
	OpenAfterFailedAttempts int

	// HalfOpenAfter is how long the breaker stays Open before probing.
	HalfOpenAfter time.Duration

	// StatusCodes / Methods gate which HTTP failures count, same defaults
	// as RetryConfig but independently configurable.
	StatusCodes map[int]struct{}
	Methods     map[string]struct{} // empty means "all methods"

	TriggerOnTimeout      bool
	TriggerOnNetworkError bool
}

// DefaultCircuitBreakerConfig returns the library's stated circuit
// breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:                 true,
		OpenAfterFailedAttempts: 5,
		HalfOpenAfter:           30 * time.Second,
		StatusCodes:             DefaultStatusCodes(),
		Methods:                 nil,
		TriggerOnTimeout:        true,
		TriggerOnNetworkError:   true,
	}
}

// BulkheadConfig configures the concurrency/queue admission gate.
type BulkheadConfig struct {
	Enabled             bool
	MaxParallelRequests int
	MaxQueuedRequests   int
}

// DefaultBulkheadConfig disables the bulkhead; callers opt in explicitly
// since an unconfigured concurrency cap is not a safe default for an
// arbitrary caller's workload.
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{Enabled: false}
}

// HeaderConfig configures the default-header merge applied to every request.
type HeaderConfig struct {
	Default         http.Header
	DefaultByMethod map[string]http.Header
}

// PipelineConfig composes every layer. Each layer is optional; a
// missing/zero-value layer behaves as the identity (a no-op pass-through).
type PipelineConfig struct {
	Timeout        TimeoutConfig
	Retry          RetryConfig
	Bulkhead       BulkheadConfig
	CircuitBreaker CircuitBreakerConfig
	Headers        HeaderConfig

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// PipelineOption mutates a PipelineConfig before it is built.
type PipelineOption func(*PipelineConfig)

// DefaultPipelineConfig mirrors the per-layer defaults above: the circuit
// breaker is enabled, retry allows zero retries, and the bulkhead (which
// requires explicit capacity) and both timeouts are disabled.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Retry:          DefaultRetryConfig(),
		Bulkhead:       DefaultBulkheadConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Logger:         zap.NewNop(),
		Metrics:        telemetry.NewNopMetrics(),
		Tracer:         telemetry.NewNopTracer(),
	}
}

func WithTimeout(t TimeoutConfig) PipelineOption {
	return func(c *PipelineConfig) { c.Timeout = t }
}

func WithRetry(r RetryConfig) PipelineOption {
	return func(c *PipelineConfig) { c.Retry = r }
}

func WithBulkhead(b BulkheadConfig) PipelineOption {
	return func(c *PipelineConfig) { c.Bulkhead = b }
}

func WithCircuitBreaker(cb CircuitBreakerConfig) PipelineOption {
	return func(c *PipelineConfig) { c.CircuitBreaker = cb }
}

func WithHeaders(h HeaderConfig) PipelineOption {
	return func(c *PipelineConfig) { c.Headers = h }
}

func WithLogger(l *zap.Logger) PipelineOption {
	return func(c *PipelineConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) PipelineOption {
	return func(c *PipelineConfig) { c.Metrics = m }
}

func WithTracer(t *telemetry.Tracer) PipelineOption {
	return func(c *PipelineConfig) { c.Tracer = t }
}
