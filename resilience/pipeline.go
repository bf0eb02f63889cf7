package resilience

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel/internal/kerrors"
	"github.com/kestrelhttp/kestrel/transport"
)

// Pipeline composes a fixed policy graph:
//
//	overallDeadline ▷ retry ▷ bulkhead ▷ circuitBreaker ▷ perRequestTimeout ▷ transport
//
// Each layer is elided when its config leaves it disabled. The nesting
// order itself is not configurable.
type Pipeline struct {
	cfg       PipelineConfig
	transport transport.RoundTripper
	bulkhead  *Bulkhead
	breaker   *CircuitBreaker

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewPipeline builds a Pipeline around rt, the transport adapter that sits
// innermost in the policy graph.
func NewPipeline(rt transport.RoundTripper, opts ...PipelineOption) *Pipeline {
	cfg := DefaultPipelineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		cfg:       cfg,
		transport: rt,
		bulkhead:  NewBulkhead(cfg.Bulkhead),
		breaker:   NewCircuitBreaker(cfg.CircuitBreaker),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Breaker exposes the circuit breaker for inspection (State).
func (p *Pipeline) Breaker() *CircuitBreaker { return p.breaker }

// Bulkhead exposes the bulkhead for inspection (Stats).
func (p *Pipeline) Bulkhead() *Bulkhead { return p.bulkhead }

// Execute runs req through the full policy graph and returns the settled
// transport.Response or a classified *kerrors.Error.
func (p *Pipeline) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	ctx, span := p.cfg.Tracer.Start(ctx, "kestrel.request")
	defer span.End()

	// requestID tags this call's opening debug log line; it never reaches
	// the wire, and the per-retry log lines do not carry it.
	requestID := uuid.NewString()
	start := time.Now()

	// effectiveHeaders is computed once and carried forward across
	// retries; default headers are not re-merged on each attempt.
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	req = req.Clone()
	req.Header = mergeHeaders(method, req.Header, p.cfg.Headers.Default, p.cfg.Headers.DefaultByMethod)

	p.cfg.Logger.Debug("executing request", zap.String("request_id", requestID), zap.String("url", req.URL), zap.String("method", method))

	callerCtx := ctx
	overallCtx := callerCtx
	var overallCancel context.CancelFunc
	if p.cfg.Timeout.OverallDeadline > 0 {
		overallCtx, overallCancel = context.WithTimeout(callerCtx, p.cfg.Timeout.OverallDeadline)
		defer overallCancel()
	}

	resp, err := p.runAttempts(callerCtx, overallCtx, req)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.cfg.Metrics.ObserveOutcome(outcome, time.Since(start).Seconds())
	return resp, err
}

// runAttempts owns the retry loop: bulkhead admission, circuit-breaker
// fail-fast, the per-request timeout, Retry-After-aware backoff, and the
// overall-deadline hard cap.
func (p *Pipeline) runAttempts(callerCtx, overallCtx context.Context, req *transport.Request) (*transport.Response, error) {
	var pendingDelay time.Duration
	var retryAfterClamped bool

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := p.sleep(callerCtx, overallCtx, pendingDelay); err != nil {
				return nil, err
			}
		}

		if err := classifyCtxErr(callerCtx, overallCtx, overallCtx /* per-attempt not yet entered */); err != nil {
			return nil, err
		}

		attemptReq := req
		if attempt > 0 {
			attemptReq = req.Clone()
		}

		resp, outcome, err := p.attempt(callerCtx, overallCtx, attemptReq)
		if err != nil {
			// Bulkhead rejection, broken-circuit and aborts are returned
			// as they are and never retried.
			return nil, err
		}

		if !outcome.failed() {
			p.breaker.RecordSuccess()
			return resp, nil
		}

		if p.breaker.MatchesFailure(outcome) {
			p.breaker.RecordFailure()
		}

		if attempt >= p.cfg.Retry.MaxRetries || !p.cfg.Retry.isRetriable(outcome) {
			return nil, classifyFailure(req.URL, requestMethod(req), outcome)
		}

		pendingDelay, retryAfterClamped = p.nextDelay(overallCtx, outcome, attempt, retryAfterClamped)
		p.cfg.Metrics.IncRetry()
		p.cfg.Logger.Debug("retrying request",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", pendingDelay),
			zap.String("url", req.URL),
		)
	}
}

// attempt runs bulkhead admission, the circuit-breaker check, and one
// transport exchange under the per-request timeout. The first return error
// is non-nil for BulkheadRejected/BrokenCircuit (never entered the
// transport), for an Aborted bulkhead wait, and for an Aborted transport
// exchange after caller cancellation; timeouts, network errors and HTTP
// failures are reported via outcome instead so the retry loop can classify
// and possibly retry them.
func (p *Pipeline) attempt(callerCtx, overallCtx context.Context, req *transport.Request) (*transport.Response, attemptOutcome, error) {
	if err := p.bulkhead.Acquire(overallCtx); err != nil {
		p.cfg.Metrics.IncBulkheadReject()
		return nil, attemptOutcome{}, err
	}
	defer p.bulkhead.Release()

	if !p.breaker.Allow() {
		p.cfg.Metrics.IncCircuitReject()
		return nil, attemptOutcome{}, kerrors.New(kerrors.KindBrokenCircuit, "circuit breaker is open")
	}

	attemptCtx := overallCtx
	var cancel context.CancelFunc
	if p.cfg.Timeout.PerRequestTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(overallCtx, p.cfg.Timeout.PerRequestTimeout)
		defer cancel()
	}

	resp, err := p.transport.RoundTrip(attemptCtx, req)
	if err != nil {
		if ctxErr := classifyCtxErr(callerCtx, overallCtx, attemptCtx); ctxErr != nil {
			if kerrors.IsKind(ctxErr, kerrors.KindTimeout) {
				return nil, attemptOutcome{method: requestMethod(req), timeout: true}, nil
			}
			return nil, attemptOutcome{}, ctxErr
		}
		return nil, attemptOutcome{method: requestMethod(req), networkError: true}, nil
	}

	return resp, attemptOutcome{method: requestMethod(req), httpStatus: resp.Status, response: resp}, nil
}

// nextDelay picks the delay before the next attempt: a Retry-After
// instant when the response carries one (status 429/503), clamped against
// the overall deadline's safety margin, falling back to
// exponential backoff with full jitter otherwise.
func (p *Pipeline) nextDelay(overallCtx context.Context, outcome attemptOutcome, attempt int, alreadyClamped bool) (time.Duration, bool) {
	rc := p.cfg.Retry

	if outcome.response != nil {
		if delay, ok := rc.retryAfterDelay(outcome.response.Status, outcome.response.Header, time.Now()); ok {
			if p.cfg.Timeout.OverallDeadline > 0 && !alreadyClamped {
				if deadline, hasDeadline := overallCtx.Deadline(); hasDeadline {
					remaining := time.Until(deadline)
					if delay > remaining-rc.RetryAfterSafetyMargin {
						clamped := remaining - rc.RetryAfterSafetyMargin
						if clamped < 0 {
							clamped = 0
						}
						return clamped, true
					}
				}
			}
			return delay, alreadyClamped
		}
	}

	p.rndMu.Lock()
	d := rc.backoffDelay(attempt, p.rnd)
	p.rndMu.Unlock()
	return d, alreadyClamped
}

// sleep waits out delay, honoring callerCtx/overallCtx cancellation: a
// scheduled Retry-After or backoff sleep is interrupted immediately on
// cancellation rather than run to completion.
func (p *Pipeline) sleep(callerCtx, overallCtx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return classifyCtxErr(callerCtx, overallCtx, overallCtx)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-overallCtx.Done():
		return classifyCtxErr(callerCtx, overallCtx, overallCtx)
	}
}

// classifyCtxErr maps context cancellation to the §7 error kinds,
// prioritizing caller-driven cancellation (Aborted) over the overall
// deadline (Timeout) since overallCtx is a child of callerCtx and would
// also report Err() in that case.
func classifyCtxErr(callerCtx, overallCtx, innerCtx context.Context) error {
	if callerCtx.Err() != nil {
		return kerrors.New(kerrors.KindAborted, "request aborted").WithCause(contextCause(callerCtx))
	}
	if overallCtx.Err() != nil {
		return kerrors.New(kerrors.KindTimeout, "overall deadline exceeded").WithCause(overallCtx.Err())
	}
	if innerCtx != overallCtx && innerCtx.Err() != nil {
		return kerrors.New(kerrors.KindTimeout, "request timed out").WithCause(innerCtx.Err())
	}
	return nil
}

func contextCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		return cause
	}
	return ctx.Err()
}

func classifyFailure(url, method string, outcome attemptOutcome) error {
	if outcome.timeout {
		return kerrors.New(kerrors.KindTimeout, "request timed out")
	}
	if outcome.networkError {
		return kerrors.New(kerrors.KindNetwork, "network error")
	}
	return kerrors.New(kerrors.KindHTTPResponse, "http error response").WithResponse(&kerrors.ResponseInfo{
		Endpoint:   url,
		Method:     method,
		Status:     outcome.response.Status,
		StatusText: outcome.response.StatusText,
		Headers:    outcome.response.Header,
	})
}

func requestMethod(req *transport.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}
