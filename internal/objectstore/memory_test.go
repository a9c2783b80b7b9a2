package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	content := []byte("hello, world!")

	etag, err := store.Put(ctx, "media/t1/ab/abc.jpg", bytes.NewReader(content), PutOptions{
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	reader, attrs, err := store.Get(ctx, "media/t1/ab/abc.jpg")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, "media/t1/ab/abc.jpg", attrs.Key)
	assert.Equal(t, int64(len(content)), attrs.Size)
	assert.Equal(t, "image/jpeg", attrs.ContentType)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Head(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteAndExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Put(ctx, "to-delete", bytes.NewReader([]byte("data")), PutOptions{})
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "to-delete")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "to-delete"))

	ok, err = store.Exists(ctx, "to-delete")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	assert.NoError(t, store.Delete(ctx, "to-delete"))
}

func TestMemoryStore_ListPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	for _, key := range []string{"vision/t1/a.json", "vision/t1/b.json", "media/t1/ab/c.jpg"} {
		_, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), PutOptions{})
		require.NoError(t, err)
	}

	res, err := store.List(ctx, ListOptions{Prefix: "vision/t1/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 2)
	assert.Equal(t, "vision/t1/a.json", res.Objects[0].Key)

	res, err = store.List(ctx, ListOptions{Prefix: "vision/t1/", MaxKeys: 1})
	require.NoError(t, err)
	assert.Len(t, res.Objects, 1)
	assert.True(t, res.IsTruncated)
}
