package fsstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhttp/kestrel/cache"
)

func TestFsstoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Create(ctx, "t"))
	require.NoError(t, b.Set(ctx, "t", cache.Entry{Key: "a/b?c", Body: []byte(`{"x":1}`), ETag: `"v1"`}))

	entry, err := b.Get(ctx, "t", "a/b?c")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(entry.Body))
	assert.Equal(t, `"v1"`, entry.ETag)

	keys, err := b.Keys(ctx, "t")
	require.NoError(t, err)
	assert.Contains(t, keys, "a/b?c")

	require.NoError(t, b.Delete(ctx, "t", "a/b?c"))
	_, err = b.Get(ctx, "t", "a/b?c")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestFsstoreCloseRejectsNewOperations(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	err = b.Set(ctx, "t", cache.Entry{Key: "a"})
	assert.ErrorIs(t, err, errClosed)
}
