package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGraph_MergesNodesAndEdges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := NewMemoryGraph()

	p := GraphPost{
		PostID:    "p1",
		TenantID:  "t1",
		ChannelID: 7,
		AlbumID:   "g1",
		Topics:    []string{"city", "night", "travel"},
	}
	require.NoError(t, g.IndexPost(ctx, p))

	got, ok := g.Post("p1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.TenantID)
	assert.True(t, g.HasTopic("city"))
	assert.True(t, g.HasAlbum("g1"))

	// Every co-occurring pair gets one undirected edge.
	for _, pair := range [][2]string{{"city", "night"}, {"city", "travel"}, {"night", "travel"}} {
		edge, ok := g.Related(pair[0], pair[1])
		require.True(t, ok, "edge %v missing", pair)
		assert.Equal(t, 1, edge.Weight)
		assert.InDelta(t, 0.6, edge.Similarity, 1e-9)
	}

	// The edge is order-insensitive, as a MERGE on an undirected pattern is.
	ab, _ := g.Related("city", "night")
	ba, _ := g.Related("night", "city")
	assert.Equal(t, ab, ba)
}

func TestMemoryGraph_WeightGrowsPerCooccurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := NewMemoryGraph()

	for i, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, g.IndexPost(ctx, GraphPost{
			PostID:    id,
			TenantID:  "t1",
			ChannelID: int64(i),
			Topics:    []string{"a", "b"},
		}))
	}

	edge, ok := g.Related("a", "b")
	require.True(t, ok)
	assert.Equal(t, 3, edge.Weight)
	assert.InDelta(t, 0.8, edge.Similarity, 1e-9)
}
