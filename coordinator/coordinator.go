// Package coordinator implements a JSON caching coordinator sitting in
// front of a Fetcher: three selectable strategies (cacheControl,
// fetchFirst, race), conditional revalidation, and write-through caching.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel/cache"
	"github.com/kestrelhttp/kestrel/cachecontrol"
	"github.com/kestrelhttp/kestrel/internal/kerrors"
	"github.com/kestrelhttp/kestrel/internal/telemetry"
	"github.com/kestrelhttp/kestrel/transport"
)

// Strategy selects one of the three caching disciplines.
type Strategy int

const (
	// CacheControl serves a Fresh entry without a network call, revalidates
	// a Stale entry (or serves it under stale-while-revalidate/
	// stale-if-error), and stores every successful response whose effective
	// directives permit storage. The default.
	CacheControl Strategy = iota
	// FetchFirst always issues the network request first and falls back to
	// the cached entry only when the request itself fails.
	FetchFirst
	// Race starts the network request and then reads the cache. A cached
	// entry, when present, is returned without waiting for the network and
	// without a freshness check, and a differing network value arrives
	// later on an update channel; the network response is returned only
	// when the cache has no entry.
	Race
)

// Fetcher performs the underlying resilient HTTP exchange. It is satisfied
// by *resilience.Pipeline.
type Fetcher interface {
	Execute(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Equal compares two decoded JSON values for the race strategy's
// duplicate-update suppression. The default is deep
// structural equality; callers may supply a cheaper comparator.
type Equal func(a, b any) bool

// Config configures a Coordinator.
type Config struct {
	Strategy Strategy
	Backend  cache.Backend
	Table    string
	Equal    Equal
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics

	// DefaultCacheControl and ForcedCacheControl layer onto a cached
	// entry's own response-derived directives: merge(DefaultCacheControl,
	// response-derived, ForcedCacheControl), later winning over earlier.
	DefaultCacheControl *cachecontrol.Override
	ForcedCacheControl  *cachecontrol.Override

	// CacheTimeout bounds a single cache lookup or write-through store.
	// When zero, lookups are not bounded and stores use a built-in 5s
	// bound.
	CacheTimeout time.Duration
}

// Coordinator mediates between a Fetcher and a cache.Backend according to
// the configured Strategy.
type Coordinator struct {
	fetcher  Fetcher
	strategy Strategy
	backend  cache.Backend
	table    string
	equal    Equal
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	defaultCacheControl *cachecontrol.Override
	forcedCacheControl  *cachecontrol.Override
	cacheTimeout        time.Duration
}

func New(fetcher Fetcher, cfg Config) *Coordinator {
	if cfg.Table == "" {
		cfg.Table = "default"
	}
	if cfg.Equal == nil {
		cfg.Equal = deepEqualJSON
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNopMetrics()
	}
	return &Coordinator{
		fetcher:             fetcher,
		strategy:            cfg.Strategy,
		backend:             cfg.Backend,
		table:               cfg.Table,
		equal:               cfg.Equal,
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
		defaultCacheControl: cfg.DefaultCacheControl,
		forcedCacheControl:  cfg.ForcedCacheControl,
		cacheTimeout:        cfg.CacheTimeout,
	}
}

// storeTimeout is the bound applied to a single write-through store:
// CacheTimeout when configured, else a 5s default.
func (c *Coordinator) storeTimeout() time.Duration {
	if c.cacheTimeout > 0 {
		return c.cacheTimeout
	}
	return 5 * time.Second
}

// Result is the outcome of one Fetch call.
type Result struct {
	Value      json.RawMessage
	FromCache  bool
	Revalidated bool
	Response   *transport.Response
}

// UpdateResult is delivered on the update channel returned by
// FetchWithUpdates: either a later-arriving result value, or a
// KindNoUpdate error explaining why no new value is coming.
type UpdateResult struct {
	Result Result
	Err    error
}

// NoUpdateReason explains why an update channel resolved without
// delivering a new value. It is carried as the message of a
// *kerrors.Error of kind KindNoUpdate.
type NoUpdateReason int

const (
	// NoUpdateFreshCache: the cache hit was fresh, so no revalidation ran.
	NoUpdateFreshCache NoUpdateReason = iota
	// NoUpdateCacheDisabled: there was no cached entry (or caching is
	// disabled for this response), so the fetched value is already final.
	NoUpdateCacheDisabled
	// NoUpdateUnchanged: revalidation returned 304; the cached value
	// stands.
	NoUpdateUnchanged
	// NoUpdateNoCached: the race strategy had no cached entry to compare
	// the network response against.
	NoUpdateNoCached
	// NoUpdateEqual: the race strategy's network response matched the
	// cached value (by validator or deep equality).
	NoUpdateEqual
)

func (r NoUpdateReason) String() string {
	switch r {
	case NoUpdateFreshCache:
		return "fresh cache hit, no revalidation performed"
	case NoUpdateCacheDisabled:
		return "no cached entry to compare against"
	case NoUpdateUnchanged:
		return "revalidation returned 304, cached value unchanged"
	case NoUpdateNoCached:
		return "no cached entry existed to race against"
	case NoUpdateEqual:
		return "network value is structurally equal to the cached value"
	default:
		return "no update"
	}
}

// noUpdateChan returns a single-slot, already-closed channel carrying one
// NoUpdate result.
func noUpdateChan(reason NoUpdateReason) <-chan UpdateResult {
	ch := make(chan UpdateResult, 1)
	ch <- UpdateResult{Err: kerrors.New(kerrors.KindNoUpdate, reason.String())}
	close(ch)
	return ch
}

// closedUpdates returns an already-closed update channel for strategies or
// branches where no update semantics apply.
func closedUpdates() <-chan UpdateResult {
	ch := make(chan UpdateResult)
	close(ch)
	return ch
}

func deepEqualJSON(a, b any) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}

func responseToEntry(key string, resp *transport.Response, storedAt time.Time) cache.Entry {
	return cache.Entry{
		Key:          key,
		Status:       resp.Status,
		StatusText:   resp.StatusText,
		Header:       map[string][]string(resp.Header),
		Body:         resp.Bytes(),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StoredAt:     storedAt,
	}
}

func entryToResponse(e *cache.Entry) *transport.Response {
	return transport.NewResponse(e.Status, e.StatusText, http.Header(e.Header), e.Body)
}

// effectiveDirectives computes merge(defaultCacheControl, response-derived,
// forcedCacheControl), later overrides winning over earlier ones.
func (c *Coordinator) effectiveDirectives(header http.Header, receivedAt time.Time) cachecontrol.Directives {
	parsed := cachecontrol.Parse(header, receivedAt)
	return cachecontrol.Effective(parsed, c.defaultCacheControl, c.forcedCacheControl)
}

// storeAsync performs a fire-and-forget write-through store, swallowing
// errors: the cache is a best-effort accelerator, never
// a correctness dependency. A response whose effective directives disable
// storage (no-store, or a zero freshness lifetime with no stale relaxation
// window) is never written.
func (c *Coordinator) storeAsync(ctx context.Context, key string, resp *transport.Response) {
	if c.backend == nil || resp == nil || !resp.OK() {
		return
	}
	dirs := c.effectiveDirectives(http.Header(resp.Header), time.Now())
	if dirs.NoStore {
		return
	}
	if lifetime, has := dirs.FreshnessLifetime(); has && lifetime == 0 && dirs.StaleWhileRevalidate == 0 && dirs.StaleIfError == 0 {
		return
	}
	entry := responseToEntry(key, resp, time.Now())
	go func() {
		storeCtx, cancel := context.WithTimeout(context.Background(), c.storeTimeout())
		defer cancel()
		if err := c.backend.Set(storeCtx, c.table, entry); err != nil {
			c.logger.Debug("write-through cache store failed", zap.String("key", key), zap.Error(err))
			return
		}
		c.metrics.ObserveCacheOutcome("store")
	}()
}

// conditionalRequest attaches If-None-Match/If-Modified-Since to req per
// the cached entry's validators, for strategies that revalidate rather
// than blindly refetch.
func conditionalRequest(req *transport.Request, entry *cache.Entry) *transport.Request {
	clone := req.Clone()
	if entry.ETag != "" {
		clone.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		clone.Header.Set("If-Modified-Since", entry.LastModified)
	}
	return clone
}

func (c *Coordinator) lookup(ctx context.Context, key string) (*cache.Entry, error) {
	if c.backend == nil {
		return nil, cache.ErrNotFound
	}
	if c.cacheTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cacheTimeout)
		defer cancel()
	}
	return c.backend.Get(ctx, c.table, key)
}

// freshnessOf evaluates a cached entry's effective Cache-Control state as
// of now, honoring the coordinator's default/forced overrides.
func (c *Coordinator) freshnessOf(entry *cache.Entry) (cachecontrol.CacheState, cachecontrol.Policy) {
	dirs := c.effectiveDirectives(http.Header(entry.Header), entry.StoredAt)
	return cachecontrol.Evaluate(dirs, time.Now())
}

func toKerror(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*kerrors.Error); ok {
		return err
	}
	return kerrors.New(kerrors.KindNetwork, fmt.Sprintf("fetch failed: %v", err)).WithCause(err)
}
