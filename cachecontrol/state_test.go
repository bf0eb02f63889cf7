package cachecontrol

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMaxAgeAndAge(t *testing.T) {
	h := http.Header{
		"Cache-Control": []string{"max-age=60, must-revalidate"},
		"Age":           []string{"10"},
	}
	d := Parse(h, time.Now())
	require.True(t, d.HasMaxAge)
	assert.Equal(t, 60*time.Second, d.MaxAge)
	assert.True(t, d.MustRevalidate)
	assert.True(t, d.HasAge)
	assert.Equal(t, 10*time.Second, d.Age)
}

func TestParseNoStore(t *testing.T) {
	h := http.Header{"Cache-Control": []string{"no-store"}}
	d := Parse(h, time.Now())
	assert.True(t, d.NoStore)
}

func TestParseSMaxAgeTakesPrecedenceOverMaxAge(t *testing.T) {
	h := http.Header{"Cache-Control": []string{"max-age=10, s-maxage=100"}}
	d := Parse(h, time.Now())
	lifetime, ok := d.FreshnessLifetime()
	require.True(t, ok)
	assert.Equal(t, 100*time.Second, lifetime)
}

func TestParseExpiresFallback(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	h := http.Header{
		"Date":    []string{now.Format(http.TimeFormat)},
		"Expires": []string{now.Add(30 * time.Second).Format(http.TimeFormat)},
	}
	d := Parse(h, now)
	lifetime, ok := d.FreshnessLifetime()
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, lifetime)
}

func TestEvaluateFreshWithinMaxAge(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"max-age=60"}}
	d := Parse(h, now)
	state, _ := Evaluate(d, now.Add(10*time.Second))
	assert.Equal(t, StateFresh, state)
}

func TestEvaluateStaleAfterMaxAge(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"max-age=60"}}
	d := Parse(h, now)
	state, policy := Evaluate(d, now.Add(90*time.Second))
	assert.Equal(t, StateStale, state)
	assert.Equal(t, 30*time.Second, policy.Overdue)
}

func TestEvaluateStaleWhileRevalidateWindow(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"max-age=60, stale-while-revalidate=30"}}
	d := Parse(h, now)

	state, policy := Evaluate(d, now.Add(70*time.Second))
	require.Equal(t, StateStale, state)
	assert.True(t, policy.MayServeWhileRevalidating())

	state, policy = Evaluate(d, now.Add(120*time.Second))
	require.Equal(t, StateStale, state)
	assert.False(t, policy.MayServeWhileRevalidating())
}

func TestEvaluateStaleIfErrorWindow(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"max-age=60, stale-if-error=120"}}
	d := Parse(h, now)

	_, policy := Evaluate(d, now.Add(90*time.Second))
	assert.True(t, policy.MayServeOnError())

	_, policy = Evaluate(d, now.Add(300*time.Second))
	assert.False(t, policy.MayServeOnError())
}

func TestEvaluateNoStoreIsDisabled(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"no-store"}}
	d := Parse(h, now)
	state, _ := Evaluate(d, now)
	assert.Equal(t, StateDisabled, state)
}

func TestEvaluateNoFreshnessSignalIsFreshForever(t *testing.T) {
	now := time.Now()
	d := Parse(http.Header{}, now)
	state, policy := Evaluate(d, now.Add(365*24*time.Hour))
	assert.Equal(t, StateFresh, state)
	assert.Zero(t, policy.Overdue)
}

func TestEvaluateZeroMaxAgeWithMustRevalidateIsStale(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"max-age=0, must-revalidate"}}
	d := Parse(h, now)
	state, _ := Evaluate(d, now)
	assert.Equal(t, StateStale, state)
}

func TestEvaluateNoCacheIsStale(t *testing.T) {
	now := time.Now()
	h := http.Header{"Cache-Control": []string{"no-cache"}}
	d := Parse(h, now)
	state, policy := Evaluate(d, now)
	assert.Equal(t, StateStale, state)
	assert.True(t, policy.MustRevalidate)
}
