package cachecontrol

import "time"

// CacheState is the outcome of evaluating a cached entry's Directives
// against the current instant.
type CacheState int

const (
	// StateDisabled: the entry must never be served or stored (no-store).
	// The private directive is parsed but does not lead to this state.
	StateDisabled CacheState = iota
	// StateFresh: the entry may be served without revalidation.
	StateFresh
	// StateStale: the entry has exceeded its freshness lifetime. Evaluate
	// Policy to learn whether it may still be served under relaxation.
	StateStale
)

func (s CacheState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "disabled"
	}
}

// Policy is attached to a StateStale result and tells the coordinator what
// it may do with the stale entry instead of an outright revalidation.
type Policy struct {
	MustRevalidate       bool
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
	// Overdue is how long the entry has been stale, used to test it against
	// StaleWhileRevalidate/StaleIfError windows.
	Overdue time.Duration
}

// MayServeWhileRevalidating reports whether the stale entry may be
// returned immediately while a background revalidation runs.
func (p Policy) MayServeWhileRevalidating() bool {
	return !p.MustRevalidate && p.Overdue <= p.StaleWhileRevalidate
}

// MayServeOnError reports whether the stale entry may be returned as a
// fallback when a revalidation attempt fails.
func (p Policy) MayServeOnError() bool {
	return p.Overdue <= p.StaleIfError
}

// Evaluate classifies a parsed Directives set at evaluationTime: no-store
// disables caching outright; an explicit max-age of zero paired with
// must-revalidate is treated like no-cache; no-cache always revalidates;
// an entry with no freshness signal at all (no max-age, s-maxage, or
// Expires) is treated as fresh indefinitely; otherwise freshness follows
// age against the computed lifetime, with stale-while-revalidate and
// stale-if-error carried in Policy for the caller to test.
func Evaluate(d Directives, evaluationTime time.Time) (CacheState, Policy) {
	if d.NoStore {
		return StateDisabled, Policy{}
	}

	lifetime, hasLifetime := d.FreshnessLifetime()
	age := d.CurrentAge(evaluationTime)

	policy := Policy{
		MustRevalidate:       d.MustRevalidate || d.NoCache,
		StaleWhileRevalidate: d.StaleWhileRevalidate,
		StaleIfError:         d.StaleIfError,
	}

	if hasLifetime && lifetime == 0 && d.MustRevalidate {
		policy.Overdue = age
		return StateStale, policy
	}

	if d.NoCache {
		policy.Overdue = age
		return StateStale, policy
	}

	if !hasLifetime {
		// No max-age, s-maxage, or Expires at all: served fresh forever.
		return StateFresh, Policy{}
	}

	if age < lifetime {
		return StateFresh, Policy{}
	}

	policy.Overdue = age - lifetime
	return StateStale, policy
}
