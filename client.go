// Package kestrel is the request-context facade: default headers, base
// URL joining, the resilience pipeline, and — for JSON requests — the
// caching coordinator.
package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel/cache"
	"github.com/kestrelhttp/kestrel/cachecontrol"
	"github.com/kestrelhttp/kestrel/coordinator"
	"github.com/kestrelhttp/kestrel/internal/kerrors"
	"github.com/kestrelhttp/kestrel/internal/telemetry"
	"github.com/kestrelhttp/kestrel/resilience"
	"github.com/kestrelhttp/kestrel/transport"
)

// Client is a request context: default headers, an optional base URL, the
// resilience pipeline, and the set of registered cache backends a request
// may name via CacheOptions.ActiveCache.
type Client struct {
	baseURL  string
	pipeline *resilience.Pipeline
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu           sync.RWMutex
	closed       bool
	closeCh      chan struct{}
	inflight     sync.WaitGroup
	backends     map[string]cache.Backend
	backendOrder []string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithBaseURL joins every relative request target against base.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(base, "/") }
}

// WithLogger installs a structured logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics installs a metrics collector. A nil value is ignored.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithCacheBackend registers a named, already-constructed cache backend so
// requests can reference it via CacheOptions.ActiveCache, or leave it
// unset to let the client pick the first available one in registration
// order.
func WithCacheBackend(name string, backend cache.Backend) Option {
	return func(c *Client) {
		if _, exists := c.backends[name]; !exists {
			c.backendOrder = append(c.backendOrder, name)
		}
		c.backends[name] = backend
	}
}

// New builds a Client around rt (the innermost transport) configured by
// pipelineOpts (forwarded to resilience.NewPipeline) and opts.
func New(rt transport.RoundTripper, pipelineOpts []resilience.PipelineOption, opts ...Option) *Client {
	c := &Client{
		logger:   zap.NewNop(),
		metrics:  telemetry.NewNopMetrics(),
		closeCh:  make(chan struct{}),
		backends: map[string]cache.Backend{},
	}
	for _, opt := range opts {
		opt(c)
	}
	allOpts := append([]resilience.PipelineOption{
		resilience.WithLogger(c.logger),
		resilience.WithMetrics(c.metrics),
	}, pipelineOpts...)
	c.pipeline = resilience.NewPipeline(rt, allOpts...)
	return c
}

// RequestOptions is the set of per-request options Fetch and JSONRequest
// recognize.
type RequestOptions struct {
	SkipFailOnErrorCode             bool
	SkipAcceptHeader                bool
	SkipContentTypeHeaderValidation bool
	UseCache                        *CacheOptions
}

// CacheOptions configures caching for one JSONRequest call. Key identifies
// the cached value within Table; an empty Key bypasses the coordinator
// entirely; so does a ForcedCacheControl that disables storage outright.
type CacheOptions struct {
	Key         string
	Table       string
	Mode        coordinator.Strategy
	ActiveCache string
	Equal       coordinator.Equal

	// Update requests the second return value from FetchWithUpdates; valid
	// with Mode CacheControl and Mode Race.
	Update bool

	// DefaultCacheControl supplies a fallback directive set used only where
	// the cached response itself is silent. ForcedCacheControl always
	// wins, overriding both the default and the response.
	DefaultCacheControl *cachecontrol.Override
	ForcedCacheControl  *cachecontrol.Override

	// CacheTimeout bounds a single cache lookup or write-through store.
	CacheTimeout time.Duration
}

// bypassed reports whether the coordinator must never see this request: an
// absent key, or a forced directive that disables storage outright
// (no-store, or an unconditional zero max-age).
func (o CacheOptions) bypassed() bool {
	if o.Key == "" {
		return true
	}
	f := o.ForcedCacheControl
	if f == nil {
		return false
	}
	if f.NoStore != nil && *f.NoStore {
		return true
	}
	if f.MaxAge != nil && f.MaxAge.Zero {
		return true
	}
	return false
}

func (c *Client) resolveURL(target string) string {
	if c.baseURL == "" || strings.Contains(target, "://") {
		return target
	}
	return c.baseURL + "/" + strings.TrimPrefix(target, "/")
}

// acquireSlot tracks one in-flight request against close()'s drain, and
// rejects new requests once the client has been closed.
func (c *Client) acquireSlot() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return kerrors.New(kerrors.KindClientClosed, "client is closed")
	}
	c.inflight.Add(1)
	return nil
}

func (c *Client) releaseSlot() { c.inflight.Done() }

// Close marks the client closed to new requests and waits for in-flight
// requests to settle, honoring ctx for an optional upper bound: a
// context.Background() waits indefinitely, a timeout context waits up to
// that bound, and an already-done ctx aborts the wait immediately.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	for _, backend := range c.backends {
		_ = backend.Close()
	}
	return nil
}

// Fetch is the non-JSON path: it runs the resilience pipeline only and
// deliberately ignores RequestOptions.UseCache — caching applies to JSON
// requests only, even though the option is accepted here to keep the call
// signature uniform with JSONRequest.
func (c *Client) Fetch(ctx context.Context, req *transport.Request, opts RequestOptions) (*transport.Response, error) {
	if err := c.acquireSlot(); err != nil {
		return nil, err
	}
	defer c.releaseSlot()

	req = req.Clone()
	req.URL = c.resolveURL(req.URL)

	resp, err := c.pipeline.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() && !opts.SkipFailOnErrorCode {
		return resp, kerrors.New(kerrors.KindHTTPResponse, "http error response").WithResponse(&kerrors.ResponseInfo{
			Endpoint:   req.URL,
			Method:     req.Method,
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Headers:    resp.Header,
		})
	}
	return resp, nil
}

// JSONRequest issues a JSON-valued request, applying Accept/Content-Type
// defaults and validation and, when opts.UseCache is set and not bypassed,
// routing through the caching coordinator instead of the pipeline
// directly. The third return value is non-nil only when opts.UseCache.Update
// is set and the coordinator was actually used; callers not requesting
// updates can ignore it.
func (c *Client) JSONRequest(ctx context.Context, req *transport.Request, opts RequestOptions) (json.RawMessage, *transport.Response, <-chan coordinator.UpdateResult, error) {
	if err := c.acquireSlot(); err != nil {
		return nil, nil, nil, err
	}
	defer c.releaseSlot()

	req = req.Clone()
	req.URL = c.resolveURL(req.URL)
	if !opts.SkipAcceptHeader && req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	if opts.UseCache == nil || opts.UseCache.bypassed() {
		value, resp, err := c.executeUncached(ctx, req, opts)
		return value, resp, nil, err
	}

	coord, ok := c.resolveCoordinator(ctx, *opts.UseCache)
	if !ok {
		value, resp, err := c.executeUncached(ctx, req, opts)
		return value, resp, nil, err
	}

	if opts.UseCache.Update {
		result, updates, err := coord.FetchWithUpdates(ctx, req, opts.UseCache.Key)
		if err != nil {
			return nil, nil, nil, err
		}
		if result.Response != nil {
			if err := c.validateJSON(result.Response, opts); err != nil {
				return nil, result.Response, updates, err
			}
		}
		return result.Value, result.Response, updates, nil
	}

	result, err := coord.Fetch(ctx, req, opts.UseCache.Key)
	if err != nil {
		return nil, nil, nil, err
	}
	if result.Response != nil {
		if err := c.validateJSON(result.Response, opts); err != nil {
			return nil, result.Response, nil, err
		}
	}
	return result.Value, result.Response, nil, nil
}

// executeUncached runs req through the resilience pipeline directly,
// bypassing the caching coordinator entirely.
func (c *Client) executeUncached(ctx context.Context, req *transport.Request, opts RequestOptions) (json.RawMessage, *transport.Response, error) {
	resp, err := c.pipeline.Execute(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := c.validateJSON(resp, opts); err != nil {
		return nil, resp, err
	}
	if !resp.OK() && !opts.SkipFailOnErrorCode {
		return nil, resp, kerrors.New(kerrors.KindHTTPResponse, "http error response").WithResponse(&kerrors.ResponseInfo{
			Endpoint: req.URL, Method: req.Method, Status: resp.Status, StatusText: resp.StatusText, Headers: resp.Header,
		})
	}
	return json.RawMessage(resp.Bytes()), resp, nil
}

func (c *Client) validateJSON(resp *transport.Response, opts RequestOptions) error {
	if opts.SkipContentTypeHeaderValidation {
		return nil
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" || !strings.Contains(strings.ToLower(ct), "json") {
		return kerrors.New(kerrors.KindContentType, fmt.Sprintf("unexpected content-type %q", ct)).WithResponse(&kerrors.ResponseInfo{
			Status: resp.Status, StatusText: resp.StatusText, Headers: resp.Header,
		})
	}
	return nil
}

// resolveCoordinator builds a Coordinator around the first available
// backend among opts.ActiveCache's candidates. It reports ok=false when
// none is available, in which case the caller bypasses caching for this
// request rather than erroring. A fresh Coordinator is built per call
// since backend availability, and the options' Equal/override fields, can
// vary request to request.
func (c *Client) resolveCoordinator(ctx context.Context, opts CacheOptions) (*coordinator.Coordinator, bool) {
	backend, ok := c.selectBackend(ctx, opts.ActiveCache)
	if !ok {
		return nil, false
	}
	coord := coordinator.New(c.pipeline, coordinator.Config{
		Strategy:            opts.Mode,
		Backend:             backend,
		Table:               opts.Table,
		Equal:               opts.Equal,
		Logger:              c.logger,
		Metrics:             c.metrics,
		DefaultCacheControl: opts.DefaultCacheControl,
		ForcedCacheControl:  opts.ForcedCacheControl,
		CacheTimeout:        opts.CacheTimeout,
	})
	return coord, true
}

// selectBackend returns the first available backend among the ordered
// candidates: activeCache alone when it names one, else every registered
// backend in registration order. Reports ok=false when none is available.
func (c *Client) selectBackend(ctx context.Context, activeCache string) (cache.Backend, bool) {
	c.mu.RLock()
	var candidates []string
	if activeCache != "" {
		candidates = []string{activeCache}
	} else {
		candidates = append(candidates, c.backendOrder...)
	}
	backends := c.backends
	c.mu.RUnlock()

	for _, name := range candidates {
		backend, ok := backends[name]
		if !ok {
			continue
		}
		if backend.Available(ctx) {
			return backend, true
		}
	}
	return nil, false
}
