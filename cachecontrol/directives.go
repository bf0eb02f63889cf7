// Package cachecontrol implements RFC 7234-style Cache-Control parsing and
// freshness evaluation, including the stale-while-revalidate and
// stale-if-error extensions.
package cachecontrol

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Directives is the parsed form of a response's Cache-Control header plus
// the ambient Date/Expires/Age headers needed to compute freshness.
type Directives struct {
	NoStore         bool
	NoCache         bool
	Private         bool
	MustRevalidate  bool
	Immutable       bool
	MaxAge          time.Duration
	HasMaxAge       bool
	SMaxAge         time.Duration
	HasSMaxAge      bool
	StaleWhileRevalidate time.Duration
	HasSWR         bool
	StaleIfError    time.Duration
	HasSIE          bool

	Expires    time.Time
	HasExpires bool
	Date       time.Time
	HasDate    bool
	Age        time.Duration
	HasAge     bool

	ETag         string
	LastModified string
	HasLastModified bool
}

// Parse extracts Directives from an HTTP response header set and the
// instant the response was received (used as a Date fallback, per RFC 7231
// §7.1.1.2 when the server omits the Date header).
func Parse(header http.Header, receivedAt time.Time) Directives {
	var d Directives

	for _, token := range splitCacheControl(header.Get("Cache-Control")) {
		name, value, hasValue := cutDirective(token)
		switch strings.ToLower(name) {
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "private":
			d.Private = true
		case "must-revalidate", "proxy-revalidate":
			d.MustRevalidate = true
		case "immutable":
			d.Immutable = true
		case "max-age":
			if secs, ok := parseSeconds(value, hasValue); ok {
				d.MaxAge = secs
				d.HasMaxAge = true
			}
		case "s-maxage":
			if secs, ok := parseSeconds(value, hasValue); ok {
				d.SMaxAge = secs
				d.HasSMaxAge = true
			}
		case "stale-while-revalidate":
			if secs, ok := parseSeconds(value, hasValue); ok {
				d.StaleWhileRevalidate = secs
				d.HasSWR = true
			}
		case "stale-if-error":
			if secs, ok := parseSeconds(value, hasValue); ok {
				d.StaleIfError = secs
				d.HasSIE = true
			}
		}
	}

	if v := header.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			d.Expires = t
			d.HasExpires = true
		}
	}
	if v := header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			d.Date = t
			d.HasDate = true
		}
	}
	if !d.HasDate {
		d.Date = receivedAt
		d.HasDate = true
	}
	if v := header.Get("Age"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			d.Age = time.Duration(secs) * time.Second
			d.HasAge = true
		}
	}

	d.ETag = header.Get("ETag")
	if v := header.Get("Last-Modified"); v != "" {
		d.LastModified = v
		d.HasLastModified = true
	}

	return d
}

// splitCacheControl tokenizes a Cache-Control header value on commas,
// respecting quoted strings (e.g. `no-cache="Set-Cookie"`).
func splitCacheControl(value string) []string {
	var tokens []string
	var b strings.Builder
	inQuotes := false
	for _, r := range value {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			tokens = append(tokens, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	for i, t := range tokens {
		tokens[i] = textproto.TrimString(t)
	}
	return tokens
}

func cutDirective(token string) (name, value string, hasValue bool) {
	if idx := strings.IndexByte(token, '='); idx >= 0 {
		name = textproto.TrimString(token[:idx])
		value = strings.Trim(textproto.TrimString(token[idx+1:]), `"`)
		return name, value, true
	}
	return textproto.TrimString(token), "", false
}

func parseSeconds(value string, hasValue bool) (time.Duration, bool) {
	if !hasValue {
		return 0, false
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// CurrentAge computes the response's age at evaluationTime per RFC 7234
// §4.2.3, preferring the explicit Age header's contribution when present.
func (d Directives) CurrentAge(evaluationTime time.Time) time.Duration {
	resident := evaluationTime.Sub(d.Date)
	if resident < 0 {
		resident = 0
	}
	if d.HasAge {
		return d.Age + resident
	}
	return resident
}

// FreshnessLifetime computes the duration for which the response is fresh,
// preferring s-maxage, then max-age, then Expires-Date, per RFC 7234 §4.2.1.
func (d Directives) FreshnessLifetime() (time.Duration, bool) {
	if d.HasSMaxAge {
		return d.SMaxAge, true
	}
	if d.HasMaxAge {
		return d.MaxAge, true
	}
	if d.HasExpires && d.HasDate {
		return d.Expires.Sub(d.Date), true
	}
	return 0, false
}
