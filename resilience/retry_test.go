package resilience

import (
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kestrelhttp/kestrel/transport"
)

func TestIsRetriableHTTPStatus(t *testing.T) {
	rc := DefaultRetryConfig()

	retriable := attemptOutcome{method: http.MethodGet, httpStatus: 503, response: transport.NewResponse(503, "", nil, nil)}
	assert.True(t, rc.isRetriable(retriable))

	notInSet := attemptOutcome{method: http.MethodGet, httpStatus: 404, response: transport.NewResponse(404, "", nil, nil)}
	assert.False(t, rc.isRetriable(notInSet))

	postExcluded := attemptOutcome{method: http.MethodPost, httpStatus: 503, response: transport.NewResponse(503, "", nil, nil)}
	assert.False(t, rc.isRetriable(postExcluded))

	rc.RetryPosts = true
	assert.True(t, rc.isRetriable(postExcluded))
}

func TestIsRetriableTimeoutAndNetwork(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.True(t, rc.isRetriable(attemptOutcome{timeout: true}))
	assert.True(t, rc.isRetriable(attemptOutcome{networkError: true}))

	rc.RetryTimeout = false
	rc.RetryNetworkErrors = false
	assert.False(t, rc.isRetriable(attemptOutcome{timeout: true}))
	assert.False(t, rc.isRetriable(attemptOutcome{networkError: true}))
}

// TestBackoffDelayBounded checks delay_i = min(MaxDelay, InitialDelay*Exponent^i)
// with full jitter: the sample must always land in [0, cap].
func TestBackoffDelayBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rc := RetryConfig{
			InitialDelay: time.Duration(rapid.IntRange(1, 1000).Draw(rt, "initial")) * time.Millisecond,
			Exponent:     float64(rapid.IntRange(1, 4).Draw(rt, "exponent")),
			MaxDelay:     time.Duration(rapid.IntRange(1, 60).Draw(rt, "maxDelaySeconds")) * time.Second,
		}
		attempt := rapid.IntRange(0, 6).Draw(rt, "attempt")
		rnd := rand.New(rand.NewSource(1))

		delay := rc.backoffDelay(attempt, rnd)
		require.GreaterOrEqual(rt, int64(delay), int64(0))
		require.LessOrEqual(rt, delay, rc.MaxDelay)
	})
}

func TestRetryAfterDelaySeconds(t *testing.T) {
	rc := DefaultRetryConfig()
	h := http.Header{"Retry-After": []string{"2"}}
	delay, ok := rc.retryAfterDelay(http.StatusTooManyRequests, h, time.Now())
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)
}

func TestRetryAfterDelayHTTPDate(t *testing.T) {
	rc := DefaultRetryConfig()
	now := time.Now().UTC()
	future := now.Add(3 * time.Second)
	h := http.Header{"Retry-After": []string{future.Format(http.TimeFormat)}}
	delay, ok := rc.retryAfterDelay(http.StatusServiceUnavailable, h, now)
	require.True(t, ok)
	assert.InDelta(t, 3*time.Second, delay, float64(time.Second))
}

func TestRetryAfterDelayIgnoredForOtherStatuses(t *testing.T) {
	rc := DefaultRetryConfig()
	h := http.Header{"Retry-After": []string{"2"}}
	_, ok := rc.retryAfterDelay(http.StatusInternalServerError, h, time.Now())
	assert.False(t, ok)
}
