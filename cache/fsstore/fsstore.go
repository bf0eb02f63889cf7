// Package fsstore implements a persistent, on-disk cache backend: each
// table is a directory of one JSON file per key under a root directory,
// written atomically via a temp file plus rename.
package fsstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kestrelhttp/kestrel/cache"
)

const ProviderID = "fsstore"

func init() {
	cache.Register(ProviderID, func(cacheID string, options map[string]any) (cache.Backend, error) {
		root, _ := options["root"].(string)
		if root == "" {
			root = filepath.Join(os.TempDir(), "kestrel-cache", cacheID)
		}
		logger, _ := options["logger"].(*zap.Logger)
		return New(root, logger)
	})
}

// Backend persists entries as JSON files under root/<table>/<hex(key)>.json,
// the file name being the hex encoding of the key.
// Close blocks until every in-flight Get/Set/Delete/Clear/Keys call has
// returned (the Open Question decision recorded in DESIGN.md), so that a
// caller who closes the backend while requests are still in flight never
// observes a file operation racing the shutdown.
type Backend struct {
	root   string
	logger *zap.Logger

	mu     sync.RWMutex // guards closed; held read-side for the duration of each op
	wg     sync.WaitGroup
	closed bool
}

func New(root string, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: create root: %w", err)
	}
	return &Backend{root: root, logger: logger}, nil
}

// enter registers one in-flight operation; it returns false once the
// backend has begun closing, in which case the caller must not proceed.
func (b *Backend) enter() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Backend) leave() { b.wg.Done() }

var errClosed = errors.New("fsstore: backend is closed")

func (b *Backend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.root)
	return err == nil && info.IsDir()
}

func (b *Backend) Create(ctx context.Context, table string) error {
	if !b.enter() {
		return errClosed
	}
	defer b.leave()
	return os.MkdirAll(b.tableDir(table), 0o755)
}

func (b *Backend) tableDir(table string) string {
	return filepath.Join(b.root, table)
}

func (b *Backend) entryPath(table, key string) string {
	return filepath.Join(b.tableDir(table), encodeKey(key)+".json")
}

func (b *Backend) Get(ctx context.Context, table, key string) (*cache.Entry, error) {
	if !b.enter() {
		return nil, errClosed
	}
	defer b.leave()

	data, err := os.ReadFile(b.entryPath(table, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read %s/%s: %w", table, key, err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("fsstore: decode %s/%s: %w", table, key, err)
	}
	return &entry, nil
}

func (b *Backend) Set(ctx context.Context, table string, entry cache.Entry) error {
	if !b.enter() {
		return errClosed
	}
	defer b.leave()

	if err := os.MkdirAll(b.tableDir(table), 0o755); err != nil {
		return fmt.Errorf("fsstore: create table %s: %w", table, err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("fsstore: encode %s/%s: %w", table, entry.Key, err)
	}
	path := b.entryPath(table, entry.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fsstore: write %s/%s: %w", table, entry.Key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fsstore: commit %s/%s: %w", table, entry.Key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, table, key string) error {
	if !b.enter() {
		return errClosed
	}
	defer b.leave()

	err := os.Remove(b.entryPath(table, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fsstore: delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (b *Backend) Clear(ctx context.Context, table string) error {
	if !b.enter() {
		return errClosed
	}
	defer b.leave()

	err := os.RemoveAll(b.tableDir(table))
	if err != nil {
		return fmt.Errorf("fsstore: clear %s: %w", table, err)
	}
	return os.MkdirAll(b.tableDir(table), 0o755)
}

func (b *Backend) Keys(ctx context.Context, table string) ([]string, error) {
	if !b.enter() {
		return nil, errClosed
	}
	defer b.leave()

	entries, err := os.ReadDir(b.tableDir(table))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: list %s: %w", table, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := decodeKey(e.Name())
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close marks the backend closed to new operations and waits for every
// operation already admitted by enter() to finish before returning.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	b.logger.Debug("fsstore closed", zap.String("root", b.root))
	return nil
}

func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key))
}

func decodeKey(filename string) (string, bool) {
	ext := filepath.Ext(filename)
	if ext != ".json" {
		return "", false
	}
	raw, err := hex.DecodeString(filename[:len(filename)-len(ext)])
	if err != nil {
		return "", false
	}
	return string(raw), true
}
