package resilience

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelhttp/kestrel/transport"
)

// attemptOutcome classifies the result of one transport attempt for the
// retry policy and the circuit breaker predicate.
// Content-type failures are deliberately not representable here: they are
// fatal and never reach either policy.
type attemptOutcome struct {
	method       string
	httpStatus   int // 0 when the failure wasn't an HTTP response
	timeout      bool
	networkError bool
	response     *transport.Response // non-nil on a completed HTTP exchange, even a failing one
}

func (o attemptOutcome) failed() bool {
	return o.timeout || o.networkError || (o.response != nil && !o.response.OK())
}

// isRetriable reports whether outcome o warrants another attempt.
func (rc RetryConfig) isRetriable(o attemptOutcome) bool {
	switch {
	case o.timeout:
		return rc.RetryTimeout
	case o.networkError:
		return rc.RetryNetworkErrors
	case o.response != nil && !o.response.OK():
		if _, ok := rc.StatusCodes[o.httpStatus]; !ok {
			return false
		}
		method := normalizeMethod(o.method)
		if method == http.MethodPost {
			return rc.RetryPosts
		}
		_, ok := rc.Methods[method]
		return ok
	default:
		return false
	}
}

// backoffDelay computes delay_i = min(MaxDelay, InitialDelay*Exponent^i)
// with full jitter: the returned value is uniformly drawn from [0, cap].
func (rc RetryConfig) backoffDelay(attempt int, rnd *rand.Rand) time.Duration {
	cap := float64(rc.InitialDelay) * math.Pow(rc.Exponent, float64(attempt))
	if max := float64(rc.MaxDelay); rc.MaxDelay > 0 && cap > max {
		cap = max
	}
	if cap <= 0 {
		return 0
	}
	return time.Duration(rnd.Int63n(int64(cap) + 1))
}

// retryAfterDelay examines the headers listed in RetryAfterHeaders (first
// present wins) and returns the delay until the server-directed instant it
// finds. Only consulted for statuses 429 and 503.
func (rc RetryConfig) retryAfterDelay(status int, header http.Header, now time.Time) (time.Duration, bool) {
	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return 0, false
	}
	for _, name := range rc.RetryAfterHeaders {
		v := header.Get(name)
		if v == "" {
			continue
		}
		if seconds, err := strconv.ParseFloat(v, 64); err == nil {
			if seconds < 0 {
				return 0, false
			}
			return time.Duration(seconds * float64(time.Second)), true
		}
		if t, err := http.ParseTime(v); err == nil {
			d := t.Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}
