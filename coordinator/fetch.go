package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel/cache"
	"github.com/kestrelhttp/kestrel/cachecontrol"
	"github.com/kestrelhttp/kestrel/internal/kerrors"
	"github.com/kestrelhttp/kestrel/transport"
)

// Fetch resolves req under key according to the configured Strategy and
// decodes the settled JSON body into a Result. The JSON request option's
// content-type validation is the caller's responsibility before
// Coordinator ever sees a *transport.Response — Fetch only decodes bodies
// already known to be JSON.
func (c *Coordinator) Fetch(ctx context.Context, req *transport.Request, key string) (Result, error) {
	switch c.strategy {
	case FetchFirst:
		return c.fetchFirst(ctx, req, key)
	case Race:
		result, _, err := c.race(ctx, req, key)
		return result, err
	default:
		result, _, err := c.cacheControlFetch(ctx, req, key)
		return result, err
	}
}

// FetchWithUpdates additionally surfaces a channel carrying a later value,
// or the reason none is coming. For cacheControl it resolves to
// NoUpdate(FreshCache)/NoUpdate(CacheDisabled)/NoUpdate(Unchanged) on the
// fresh-hit, miss and 304 branches and to the background
// stale-while-revalidate outcome when that relaxation applies; after a
// failed fetch, a stale-if-error fallback, or a 2xx revalidation the
// channel is closed without a value. fetchFirst has no update semantics
// defined and closes the channel immediately.
func (c *Coordinator) FetchWithUpdates(ctx context.Context, req *transport.Request, key string) (Result, <-chan UpdateResult, error) {
	switch c.strategy {
	case FetchFirst:
		result, err := c.fetchFirst(ctx, req, key)
		return result, closedUpdates(), err
	case Race:
		return c.race(ctx, req, key)
	default:
		return c.cacheControlFetch(ctx, req, key)
	}
}

func decodeEntry(e *cache.Entry) (json.RawMessage, error) {
	return json.RawMessage(e.Body), nil
}

// cacheControlFetch is the default strategy: serve Fresh from cache,
// revalidate or relax Stale, and write-through every successful network
// response that storeAsync accepts.
func (c *Coordinator) cacheControlFetch(ctx context.Context, req *transport.Request, key string) (Result, <-chan UpdateResult, error) {
	entry, lookupErr := c.lookup(ctx, key)
	haveEntry := lookupErr == nil

	var state cachecontrol.CacheState
	var policy cachecontrol.Policy
	if haveEntry {
		state, policy = c.freshnessOf(entry)
	} else {
		state = cachecontrol.StateDisabled
	}

	switch {
	case state == cachecontrol.StateFresh:
		c.metrics.ObserveCacheOutcome("hit")
		value, _ := decodeEntry(entry)
		return Result{Value: value, FromCache: true}, noUpdateChan(NoUpdateFreshCache), nil

	case state == cachecontrol.StateDisabled:
		resp, err := c.fetcher.Execute(ctx, req)
		if err != nil {
			return Result{}, closedUpdates(), toKerror(err)
		}
		c.metrics.ObserveCacheOutcome("miss")
		c.storeAsync(ctx, key, resp)
		return Result{Value: json.RawMessage(resp.Bytes()), Response: resp}, noUpdateChan(NoUpdateCacheDisabled), nil

	case policy.MayServeWhileRevalidating():
		c.metrics.ObserveCacheOutcome("stale-while-revalidate")
		updates := make(chan UpdateResult, 1)
		go c.revalidateInBackground(req, key, entry, updates)
		value, _ := decodeEntry(entry)
		return Result{Value: value, FromCache: true}, updates, nil
	}

	// Stale without a relaxation that applies: revalidate synchronously.
	resp, err := c.fetcher.Execute(ctx, conditionalRequest(req, entry))
	if err != nil {
		if policy.MayServeOnError() {
			c.metrics.ObserveCacheOutcome("stale-if-error")
			value, _ := decodeEntry(entry)
			return Result{Value: value, FromCache: true}, closedUpdates(), nil
		}
		return Result{}, closedUpdates(), toKerror(err)
	}

	if resp.Status == http.StatusNotModified {
		c.metrics.ObserveCacheOutcome("revalidated")
		c.storeAsync(ctx, key, entryToResponse(entry))
		value, _ := decodeEntry(entry)
		return Result{Value: value, FromCache: true, Revalidated: true}, noUpdateChan(NoUpdateUnchanged), nil
	}

	c.metrics.ObserveCacheOutcome("revalidated-fresh")
	c.storeAsync(ctx, key, resp)
	return Result{Value: json.RawMessage(resp.Bytes()), Response: resp}, closedUpdates(), nil
}

// revalidateInBackground performs the deferred conditional refetch for a
// stale-while-revalidate hit and stores whatever the origin returns,
// swallowing transport errors: a failed background revalidation simply
// leaves the existing entry in place for the next evaluation. When updates
// is non-nil the settled outcome (or error) is also delivered there, and
// the channel is closed once the single send completes.
func (c *Coordinator) revalidateInBackground(req *transport.Request, key string, entry *cache.Entry, updates chan<- UpdateResult) {
	if updates != nil {
		defer close(updates)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := c.fetcher.Execute(ctx, conditionalRequest(req, entry))
	if err != nil {
		c.logger.Debug("background revalidation failed", zap.Error(err))
		if updates != nil {
			updates <- UpdateResult{Err: toKerror(err)}
		}
		return
	}
	if resp.Status == http.StatusNotModified {
		c.storeAsync(ctx, key, entryToResponse(entry))
		if updates != nil {
			updates <- UpdateResult{Result: Result{Value: json.RawMessage(entry.Body), FromCache: true, Revalidated: true}}
		}
		return
	}
	c.storeAsync(ctx, key, resp)
	if updates != nil {
		updates <- UpdateResult{Result: Result{Value: json.RawMessage(resp.Bytes()), Response: resp}}
	}
}

func (c *Coordinator) fetchFirst(ctx context.Context, req *transport.Request, key string) (Result, error) {
	resp, err := c.fetcher.Execute(ctx, req)
	if err == nil {
		c.metrics.ObserveCacheOutcome("miss")
		c.storeAsync(ctx, key, resp)
		return Result{Value: json.RawMessage(resp.Bytes()), Response: resp}, nil
	}

	entry, lookupErr := c.lookup(ctx, key)
	if lookupErr != nil {
		return Result{}, toKerror(err)
	}
	c.metrics.ObserveCacheOutcome("fallback")
	value, _ := decodeEntry(entry)
	return Result{Value: value, FromCache: true}, nil
}

// race starts the network request in the background and then reads the
// cache. A cached entry is returned at once, whatever its freshness and
// whether or not the network has already answered; the network response
// is waited for and returned only when the cache has no entry. The
// returned channel carries a later network value only when it differs from
// the cached one — equality is decided by a matching ETag first, then a
// matching Last-Modified, then falling back to deep structural equality.
// Otherwise it resolves to NoUpdate(Equal), or NoUpdate(NoCached) when
// there was nothing cached to compare against; when the network request
// fails after a cache hit, the channel is closed without a value.
func (c *Coordinator) race(ctx context.Context, req *transport.Request, key string) (Result, <-chan UpdateResult, error) {
	type netOutcome struct {
		resp *transport.Response
		err  error
	}
	netCh := make(chan netOutcome, 1)
	go func() {
		resp, err := c.fetcher.Execute(ctx, req)
		netCh <- netOutcome{resp, err}
	}()

	entry, lookupErr := c.lookup(ctx, key)
	updates := make(chan UpdateResult, 1)

	if lookupErr == nil {
		value, _ := decodeEntry(entry)
		go func() {
			defer close(updates)
			out := <-netCh
			if out.err != nil {
				return
			}
			c.storeAsync(context.Background(), key, out.resp)
			netValue := json.RawMessage(out.resp.Bytes())

			equal := c.raceValuesEqual(entry, value, netValue, out.resp)
			if equal {
				updates <- UpdateResult{Err: newNoUpdateError(NoUpdateEqual)}
				return
			}
			updates <- UpdateResult{Result: Result{Value: netValue, Response: out.resp}}
		}()
		c.metrics.ObserveCacheOutcome("race-cache-first")
		return Result{Value: value, FromCache: true}, updates, nil
	}

	updates <- UpdateResult{Err: newNoUpdateError(NoUpdateNoCached)}
	close(updates)
	out := <-netCh
	if out.err != nil {
		return Result{}, updates, toKerror(out.err)
	}
	c.metrics.ObserveCacheOutcome("race-network-first")
	c.storeAsync(ctx, key, out.resp)
	return Result{Value: json.RawMessage(out.resp.Bytes()), Response: out.resp}, updates, nil
}

// raceValuesEqual decides whether a raced network response matches the
// cached entry it's being compared against: a matching ETag wins first,
// then a matching Last-Modified, falling back to deep structural equality
// of the decoded JSON values only when neither validator is present on
// both sides.
func (c *Coordinator) raceValuesEqual(entry *cache.Entry, cachedValue, netValue json.RawMessage, netResp *transport.Response) bool {
	if entry.ETag != "" && netResp.Header.Get("ETag") != "" {
		return entry.ETag == netResp.Header.Get("ETag")
	}
	if entry.LastModified != "" && netResp.Header.Get("Last-Modified") != "" {
		return entry.LastModified == netResp.Header.Get("Last-Modified")
	}
	var a, b any
	_ = json.Unmarshal(cachedValue, &a)
	_ = json.Unmarshal(netValue, &b)
	return c.equal(a, b)
}

func newNoUpdateError(reason NoUpdateReason) error {
	return kerrors.New(kerrors.KindNoUpdate, reason.String())
}
