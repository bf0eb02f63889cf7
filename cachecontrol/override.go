package cachecontrol

import "time"

// SecondsOrBool models a request-level cache-control field that may be a
// concrete duration or one of the boolean extremes: true meaning
// unconditionally/infinitely allowed, false meaning unconditionally
// disabled (zero).
type SecondsOrBool struct {
	Infinite bool
	Zero     bool
	Duration time.Duration
}

// Seconds builds a SecondsOrBool carrying a concrete duration.
func Seconds(d time.Duration) SecondsOrBool {
	return SecondsOrBool{Duration: d}
}

// Infinite builds a SecondsOrBool representing the boolean true case.
func Infinite() SecondsOrBool { return SecondsOrBool{Infinite: true} }

// Disabled builds a SecondsOrBool representing the boolean false case.
func Disabled() SecondsOrBool { return SecondsOrBool{Zero: true} }

// Override is a request-supplied cache-control record: a caller's
// defaultCacheControl or forcedCacheControl option. Every field is a
// pointer/zero-value-means-absent so ApplyDefault/ApplyForced can tell
// "not specified" from "specified as the zero value".
type Override struct {
	NoStore              *bool
	NoCache              *bool
	MustRevalidate       *bool
	MaxAge               *SecondsOrBool
	StaleWhileRevalidate *SecondsOrBool
	StaleIfError         *SecondsOrBool
}

// unbounded stands in for "infinite" when computing a SecondsOrBool-valued
// directive; time.Duration's own max is large enough that no real
// Overdue/Current-age comparison can exceed it.
const unbounded = time.Duration(1<<63 - 1)

func applySecondsOrBool(dst *time.Duration, hasDst *bool, v SecondsOrBool) {
	switch {
	case v.Infinite:
		*dst = unbounded
	case v.Zero:
		*dst = 0
	default:
		*dst = v.Duration
	}
	*hasDst = true
}

// ApplyForced unconditionally overlays override onto base: every field the
// override sets wins over whatever base (parsed from a response, or
// already carrying a default) held.
func ApplyForced(base Directives, override *Override) Directives {
	if override == nil {
		return base
	}
	result := base
	if override.NoStore != nil {
		result.NoStore = *override.NoStore
	}
	if override.NoCache != nil {
		result.NoCache = *override.NoCache
	}
	if override.MustRevalidate != nil {
		result.MustRevalidate = *override.MustRevalidate
	}
	if override.MaxAge != nil {
		if override.MaxAge.Infinite {
			result.HasMaxAge, result.HasSMaxAge, result.HasExpires = false, false, false
		} else {
			applySecondsOrBool(&result.MaxAge, &result.HasMaxAge, *override.MaxAge)
			result.HasSMaxAge = false
		}
	}
	if override.StaleWhileRevalidate != nil {
		applySecondsOrBool(&result.StaleWhileRevalidate, &result.HasSWR, *override.StaleWhileRevalidate)
	}
	if override.StaleIfError != nil {
		applySecondsOrBool(&result.StaleIfError, &result.HasSIE, *override.StaleIfError)
	}
	return result
}

// ApplyDefault fills any field base doesn't already specify from override.
// It never displaces a value the response (or a forced override applied
// earlier in the merge) already set; it only supplies a fallback when base
// is silent. Cache-Control's presence-only directives (no-store, no-cache,
// must-revalidate) can never be explicitly "false" on the wire, so a false
// zero value always means "not specified" and is the correct gap to fill.
func ApplyDefault(base Directives, override *Override) Directives {
	if override == nil {
		return base
	}
	result := base
	if override.NoStore != nil && !result.NoStore {
		result.NoStore = *override.NoStore
	}
	if override.NoCache != nil && !result.NoCache {
		result.NoCache = *override.NoCache
	}
	if override.MustRevalidate != nil && !result.MustRevalidate {
		result.MustRevalidate = *override.MustRevalidate
	}
	if override.MaxAge != nil && !result.HasMaxAge && !result.HasSMaxAge && !result.HasExpires {
		if override.MaxAge.Infinite {
			// Leave HasMaxAge/HasSMaxAge/HasExpires false: no lifetime
			// signal at all evaluates as fresh-forever, same as infinite.
		} else {
			applySecondsOrBool(&result.MaxAge, &result.HasMaxAge, *override.MaxAge)
		}
	}
	if override.StaleWhileRevalidate != nil && !result.HasSWR {
		applySecondsOrBool(&result.StaleWhileRevalidate, &result.HasSWR, *override.StaleWhileRevalidate)
	}
	if override.StaleIfError != nil && !result.HasSIE {
		applySecondsOrBool(&result.StaleIfError, &result.HasSIE, *override.StaleIfError)
	}
	return result
}

// Effective computes merge(defaultOverride, response-derived, forcedOverride)
// from response directives already produced by Parse, later overrides
// winning over earlier ones.
func Effective(header Directives, defaultOverride, forcedOverride *Override) Directives {
	d := ApplyDefault(header, defaultOverride)
	d = ApplyForced(d, forcedOverride)
	return d
}
