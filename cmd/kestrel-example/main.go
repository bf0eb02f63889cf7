// Command kestrel-example demonstrates wiring a Client with retry,
// circuit breaker, bulkhead, stdout tracing, and a cache-control-backed
// JSON cache.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel"
	"github.com/kestrelhttp/kestrel/cache/memlru"
	"github.com/kestrelhttp/kestrel/coordinator"
	"github.com/kestrelhttp/kestrel/internal/telemetry"
	"github.com/kestrelhttp/kestrel/resilience"
	"github.com/kestrelhttp/kestrel/transport"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tracer, err := telemetry.NewStdoutTracer("kestrel-example", os.Stdout)
	if err != nil {
		logger.Fatal("tracer", zap.Error(err))
	}

	rt := transport.NewHTTPTransport(transport.HTTPTransportConfig{Logger: logger})

	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = 3

	pipelineOpts := []resilience.PipelineOption{
		resilience.WithRetry(retry),
		resilience.WithBulkhead(resilience.BulkheadConfig{Enabled: true, MaxParallelRequests: 8, MaxQueuedRequests: 32}),
		resilience.WithCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		resilience.WithTimeout(resilience.TimeoutConfig{PerRequestTimeout: 5 * time.Second, OverallDeadline: 20 * time.Second}),
		resilience.WithTracer(tracer),
	}

	client := kestrel.New(rt, pipelineOpts,
		kestrel.WithBaseURL("https://example.invalid"),
		kestrel.WithLogger(logger),
		kestrel.WithCacheBackend("mem", memlru.New(1024, 5*time.Minute)),
	)
	defer client.Close(context.Background())

	req := transport.NewRequest(http.MethodGet, "/status")
	value, _, _, err := client.JSONRequest(context.Background(), req, kestrel.RequestOptions{
		UseCache: &kestrel.CacheOptions{Key: "status", ActiveCache: "mem", Mode: coordinator.CacheControl},
	})
	if err != nil {
		logger.Warn("request failed", zap.Error(err))
		return
	}
	logger.Info("response", zap.ByteString("body", value))
}
