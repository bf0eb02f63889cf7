package resilience

import (
	"net/http"
	"sync"
	"time"
)

// CircuitState is the breaker's current state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker counts consecutive (not windowed) failures and trips from
// Closed to Open once a threshold is reached, recovering through a
// HalfOpen probe state after a cooldown.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openUntil           time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// currentStateLocked transitions Open -> HalfOpen once openUntil has
// elapsed; callers must hold cb.mu.
func (cb *CircuitBreaker) currentStateLocked() CircuitState {
	if !cb.cfg.Enabled {
		return CircuitClosed
	}
	if cb.state == CircuitOpen && !time.Now().Before(cb.openUntil) {
		cb.state = CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a request may be admitted. When Open, the pipeline
// MUST reject without entering the transport.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked() != CircuitOpen
}

// RecordSuccess: any success in HalfOpen closes the breaker; a success in
// Closed resets the consecutive-failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
}

// RecordFailure: a failure in HalfOpen reopens immediately; in Closed it
// increments the consecutive counter and opens once the threshold is hit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.cfg.Enabled {
		return
	}
	switch cb.currentStateLocked() {
	case CircuitHalfOpen:
		cb.trip()
	default:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.OpenAfterFailedAttempts {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.openUntil = time.Now().Add(cb.cfg.HalfOpenAfter)
	cb.consecutiveFailures = 0
}

// MatchesFailure implements the breaker's failure predicate: an HTTP
// status in StatusCodes with a matching method, a timeout when
// TriggerOnTimeout, or a network error when TriggerOnNetworkError.
// Content-type failures are never counted, so callers must not route them
// here.
func (cb *CircuitBreaker) MatchesFailure(outcome attemptOutcome) bool {
	switch {
	case outcome.timeout:
		return cb.cfg.TriggerOnTimeout
	case outcome.networkError:
		return cb.cfg.TriggerOnNetworkError
	case outcome.httpStatus != 0:
		if _, ok := cb.cfg.StatusCodes[outcome.httpStatus]; !ok {
			return false
		}
		if len(cb.cfg.Methods) == 0 {
			return true
		}
		_, ok := cb.cfg.Methods[normalizeMethod(outcome.method)]
		return ok
	default:
		return false
	}
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return m
}
