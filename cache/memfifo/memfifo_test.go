package memfifo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhttp/kestrel/cache"
)

func TestMemfifoEvictsOldestOnceOverCapacity(t *testing.T) {
	ctx := context.Background()
	b := New(2)
	require.NoError(t, b.Create(ctx, "t"))

	require.NoError(t, b.Set(ctx, "t", cache.Entry{Key: "a", Body: []byte("1")}))
	require.NoError(t, b.Set(ctx, "t", cache.Entry{Key: "b", Body: []byte("2")}))
	require.NoError(t, b.Set(ctx, "t", cache.Entry{Key: "c", Body: []byte("3")}))

	_, err := b.Get(ctx, "t", "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	entry, err := b.Get(ctx, "t", "c")
	require.NoError(t, err)
	assert.Equal(t, "c", entry.Key)
}

func TestMemfifoDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	b := New(10)
	require.NoError(t, b.Set(ctx, "t", cache.Entry{Key: "a"}))
	require.NoError(t, b.Delete(ctx, "t", "a"))
	_, err := b.Get(ctx, "t", "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, b.Set(ctx, "t", cache.Entry{Key: "b"}))
	require.NoError(t, b.Clear(ctx, "t"))
	keys, err := b.Keys(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
