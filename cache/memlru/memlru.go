// Package memlru implements an in-memory LRU cache backend with per-entry
// TTL eviction, built on hashicorp/golang-lru/v2's expirable LRU.
package memlru

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kestrelhttp/kestrel/cache"
)

const ProviderID = "memlru"

func init() {
	cache.Register(ProviderID, func(cacheID string, options map[string]any) (cache.Backend, error) {
		size := 1024
		if v, ok := options["size"].(int); ok && v > 0 {
			size = v
		}
		ttl := 5 * time.Minute
		if v, ok := options["ttl"].(time.Duration); ok && v > 0 {
			ttl = v
		}
		return New(size, ttl), nil
	})
}

// Backend is an in-memory LRU cache where each table is its own
// expirable.LRU, evicting both on capacity and on per-entry TTL expiry.
type Backend struct {
	mu     sync.Mutex
	tables map[string]*expirable.LRU[string, cache.Entry]
	size   int
	ttl    time.Duration
}

func New(size int, ttl time.Duration) *Backend {
	return &Backend{tables: map[string]*expirable.LRU[string, cache.Entry]{}, size: size, ttl: ttl}
}

func (b *Backend) Available(ctx context.Context) bool { return true }

func (b *Backend) Create(ctx context.Context, name string) error {
	b.table(name)
	return nil
}

func (b *Backend) table(name string) *expirable.LRU[string, cache.Entry] {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		t = expirable.NewLRU[string, cache.Entry](b.size, nil, b.ttl)
		b.tables[name] = t
	}
	return t
}

func (b *Backend) Get(ctx context.Context, name, key string) (*cache.Entry, error) {
	e, ok := b.table(name).Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	return &e, nil
}

func (b *Backend) Set(ctx context.Context, name string, entry cache.Entry) error {
	b.table(name).Add(entry.Key, entry)
	return nil
}

func (b *Backend) Delete(ctx context.Context, name, key string) error {
	b.table(name).Remove(key)
	return nil
}

func (b *Backend) Clear(ctx context.Context, name string) error {
	b.table(name).Purge()
	return nil
}

func (b *Backend) Keys(ctx context.Context, name string) ([]string, error) {
	return b.table(name).Keys(), nil
}

func (b *Backend) Close() error { return nil }
