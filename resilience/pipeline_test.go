package resilience

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhttp/kestrel/internal/kerrors"
	"github.com/kestrelhttp/kestrel/transport"
)

type fakeTransport struct {
	calls   int32
	handler func(n int32, ctx context.Context, req *transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) RoundTrip(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.handler(n, ctx, req)
}

func TestPipelineRetriesRetriableStatusThenSucceeds(t *testing.T) {
	ft := &fakeTransport{handler: func(n int32, ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if n < 3 {
			return transport.NewResponse(503, "Service Unavailable", http.Header{}, nil), nil
		}
		return transport.NewResponse(200, "OK", http.Header{}, []byte(`{}`)), nil
	}}

	retry := DefaultRetryConfig()
	retry.MaxRetries = 5
	retry.InitialDelay = time.Millisecond
	retry.MaxDelay = 5 * time.Millisecond

	p := NewPipeline(ft, WithRetry(retry))
	resp, err := p.Execute(context.Background(), transport.NewRequest(http.MethodGet, "http://example.test/x"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ft.calls))
}

func TestPipelineStopsAfterMaxRetries(t *testing.T) {
	ft := &fakeTransport{handler: func(n int32, ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return transport.NewResponse(500, "", http.Header{}, nil), nil
	}}

	retry := DefaultRetryConfig()
	retry.MaxRetries = 2
	retry.InitialDelay = time.Millisecond
	retry.MaxDelay = 2 * time.Millisecond

	p := NewPipeline(ft, WithRetry(retry))
	_, err := p.Execute(context.Background(), transport.NewRequest(http.MethodGet, "http://example.test/x"))
	require.Error(t, err)
	assert.True(t, kerrors.IsKind(err, kerrors.KindHTTPResponse))
	assert.Equal(t, int32(3), atomic.LoadInt32(&ft.calls)) // 1 + MaxRetries
}

func TestPipelineCircuitBreakerOpensAndRejectsFast(t *testing.T) {
	ft := &fakeTransport{handler: func(n int32, ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return transport.NewResponse(500, "", http.Header{}, nil), nil
	}}

	cb := DefaultCircuitBreakerConfig()
	cb.OpenAfterFailedAttempts = 1
	cb.HalfOpenAfter = time.Hour

	p := NewPipeline(ft, WithCircuitBreaker(cb))

	_, err := p.Execute(context.Background(), transport.NewRequest(http.MethodGet, "http://example.test/x"))
	require.Error(t, err)
	assert.True(t, kerrors.IsKind(err, kerrors.KindHTTPResponse))

	calls := atomic.LoadInt32(&ft.calls)
	_, err = p.Execute(context.Background(), transport.NewRequest(http.MethodGet, "http://example.test/x"))
	require.Error(t, err)
	assert.True(t, kerrors.IsKind(err, kerrors.KindBrokenCircuit))
	assert.Equal(t, calls, atomic.LoadInt32(&ft.calls)) // no transport call on the rejected attempt
}

func TestPipelineOverallDeadlineStopsRetrying(t *testing.T) {
	ft := &fakeTransport{handler: func(n int32, ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return transport.NewResponse(503, "", http.Header{}, nil), nil
	}}

	retry := DefaultRetryConfig()
	retry.MaxRetries = 100
	retry.InitialDelay = 20 * time.Millisecond
	retry.MaxDelay = 20 * time.Millisecond

	// The breaker is disabled so repeated 503s cannot open it and end the
	// call with BrokenCircuit before the deadline fires.
	p := NewPipeline(ft, WithRetry(retry), WithCircuitBreaker(CircuitBreakerConfig{Enabled: false}),
		WithTimeout(TimeoutConfig{OverallDeadline: 50 * time.Millisecond}))

	start := time.Now()
	_, err := p.Execute(context.Background(), transport.NewRequest(http.MethodGet, "http://example.test/x"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, kerrors.IsKind(err, kerrors.KindTimeout))
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestPipelineCallerCancellationYieldsAborted(t *testing.T) {
	blockingTransport := &fakeTransport{handler: func(n int32, ctx context.Context, req *transport.Request) (*transport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	p := NewPipeline(blockingTransport)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, transport.NewRequest(http.MethodGet, "http://example.test/x"))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, kerrors.IsKind(err, kerrors.KindAborted))
	case <-time.After(time.Second):
		t.Fatal("Execute did not unwind after caller cancellation")
	}
}
