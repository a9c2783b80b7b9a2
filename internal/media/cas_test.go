package media

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/objectstore"
)

type memUsage struct {
	mu    sync.Mutex
	bytes map[string]int64
}

func newMemUsage() *memUsage { return &memUsage{bytes: map[string]int64{}} }

func (m *memUsage) Bytes(_ context.Context, tenant string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes[tenant], nil
}

func (m *memUsage) Add(_ context.Context, tenant string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[tenant] += delta
	return nil
}

func TestCAS_PutIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	usage := newMemUsage()
	cas := NewCAS(objectstore.NewMemoryStore(), usage, 1)

	payload := []byte("same bytes twice")

	first, err := cas.Put(ctx, "t1", payload, "image/jpeg")
	require.NoError(t, err)
	second, err := cas.Put(ctx, "t1", payload, "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, first.Key, second.Key)

	// Only one object exists and usage was counted once.
	used, err := usage.Bytes(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), used)
}

func TestCAS_KeyLayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cas := NewCAS(objectstore.NewMemoryStore(), newMemUsage(), 1)

	res, err := cas.Put(ctx, "t1", []byte("abc"), "image/png")
	require.NoError(t, err)
	assert.Len(t, res.SHA256, 64)
	assert.Equal(t, "media/t1/"+res.SHA256[:2]+"/"+res.SHA256+".png", res.Key)
}

func TestCAS_QuotaExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	usage := newMemUsage()
	cas := NewCAS(objectstore.NewMemoryStore(), usage, 1.0/(1<<20)) // 1 KiB quota

	// Pre-existing usage just under the limit.
	require.NoError(t, usage.Add(ctx, "t1", 1000))

	_, err := cas.Put(ctx, "t1", make([]byte, 200), "image/jpeg")
	require.Error(t, err)
	assert.Equal(t, faults.PolicyDenied, faults.KindOf(err))
	assert.Equal(t, "quota_exceeded", faults.CodeOf(err))

	// The rejected upload left no partial object behind.
	exists, _, herr := cas.Head(ctx, ObjectKey("t1", SHA256Hex(make([]byte, 200)), "jpg"))
	require.NoError(t, herr)
	assert.False(t, exists)
}

func TestCAS_DeleteRespectsRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cas := NewCAS(objectstore.NewMemoryStore(), newMemUsage(), 1)

	res, err := cas.Put(ctx, "t1", []byte("blob"), "image/jpeg")
	require.NoError(t, err)

	err = cas.Delete(ctx, "t1", res.Key, 2)
	assert.ErrorIs(t, err, ErrReferenced)

	require.NoError(t, cas.Delete(ctx, "t1", res.Key, 0))
	exists, _, err := cas.Head(ctx, res.Key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCAS_JSONArtifactRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cas := NewCAS(objectstore.NewMemoryStore(), newMemUsage(), 1)

	type artifact struct {
		Labels []string `json:"labels"`
		Meme   bool     `json:"meme"`
	}
	in := artifact{Labels: []string{"cat", "sofa"}, Meme: true}
	key := VisionCacheKey("t1", SHA256Hex([]byte("img")), "openai", "gpt-4o-mini", 1)

	require.NoError(t, cas.PutJSON(ctx, key, in))

	var out artifact
	found, err := cas.GetJSON(ctx, key, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)

	found, err = cas.GetJSON(ctx, "vision/t1/missing.json", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExtForMIME(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "jpg", ExtForMIME("image/jpeg"))
	assert.Equal(t, "mp4", ExtForMIME("video/mp4"))
	assert.Equal(t, "bin", ExtForMIME("application/octet-stream"))
}
