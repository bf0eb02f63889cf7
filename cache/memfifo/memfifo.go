// Package memfifo implements an in-memory, fixed-capacity cache backend
// that evicts the oldest entry in each table once it's full.
package memfifo

import (
	"context"
	"sync"

	"github.com/kestrelhttp/kestrel/cache"
)

const ProviderID = "memfifo"

func init() {
	cache.Register(ProviderID, func(cacheID string, options map[string]any) (cache.Backend, error) {
		capacity := 128
		if v, ok := options["capacity"].(int); ok && v > 0 {
			capacity = v
		}
		return New(capacity), nil
	})
}

type table struct {
	mu       sync.Mutex
	order    []string
	entries  map[string]cache.Entry
	capacity int
}

// Backend is an in-memory, process-local FIFO cache holding any number of
// independently-capacity-bounded tables.
type Backend struct {
	mu       sync.Mutex
	tables   map[string]*table
	capacity int
}

// New builds a Backend whose tables evict the oldest entry once they hold
// more than capacity entries.
func New(capacity int) *Backend {
	return &Backend{tables: map[string]*table{}, capacity: capacity}
}

func (b *Backend) Available(ctx context.Context) bool { return true }

func (b *Backend) Create(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tables[name]; !ok {
		b.tables[name] = &table{entries: map[string]cache.Entry{}, capacity: b.capacity}
	}
	return nil
}

func (b *Backend) table(name string) *table {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		t = &table{entries: map[string]cache.Entry{}, capacity: b.capacity}
		b.tables[name] = t
	}
	return t
}

func (b *Backend) Get(ctx context.Context, name, key string) (*cache.Entry, error) {
	t := b.table(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return &e, nil
}

func (b *Backend) Set(ctx context.Context, name string, entry cache.Entry) error {
	t := b.table(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[entry.Key]; !exists {
		t.order = append(t.order, entry.Key)
	}
	t.entries[entry.Key] = entry
	for t.capacity > 0 && len(t.entries) > t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name, key string) error {
	t := b.table(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Backend) Clear(ctx context.Context, name string) error {
	t := b.table(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = map[string]cache.Entry{}
	t.order = nil
	return nil
}

func (b *Backend) Keys(ctx context.Context, name string) ([]string, error) {
	t := b.table(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, len(t.order))
	copy(keys, t.order)
	return keys, nil
}

func (b *Backend) Close() error { return nil }
