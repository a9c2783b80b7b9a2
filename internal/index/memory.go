package index

import (
	"context"
	"sort"
	"sync"
)

// MemoryVectors is an in-memory Vectors implementation for tests, keeping
// the per-tenant collection layout of the Qdrant store.
type MemoryVectors struct {
	mu          sync.Mutex
	collections map[string]map[string]MemoryPoint
}

// MemoryPoint is one stored point.
type MemoryPoint struct {
	Vector  []float32
	Payload map[string]any
}

// NewMemoryVectors returns an empty store.
func NewMemoryVectors() *MemoryVectors {
	return &MemoryVectors{collections: map[string]map[string]MemoryPoint{}}
}

// UpsertPost stores one point under the derived point id; a replay
// overwrites.
func (m *MemoryVectors) UpsertPost(_ context.Context, tenant, postID string, vector []float32, payload map[string]any) (string, error) {
	collection := CollectionFor(tenant)
	id := PointID(postID)

	m.mu.Lock()
	defer m.mu.Unlock()
	points, ok := m.collections[collection]
	if !ok {
		points = map[string]MemoryPoint{}
		m.collections[collection] = points
	}
	points[id] = MemoryPoint{Vector: vector, Payload: payload}
	return id, nil
}

// Points returns a copy of one collection's points.
func (m *MemoryVectors) Points(collection string) map[string]MemoryPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MemoryPoint, len(m.collections[collection]))
	for id, p := range m.collections[collection] {
		out[id] = p
	}
	return out
}

// Collections returns the collection names that received points.
func (m *MemoryVectors) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.collections))
	for name := range m.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TopicEdge is one RELATED_TO edge between two topics.
type TopicEdge struct {
	Weight     int
	Similarity float64
}

// MemoryGraph is an in-memory Graph implementation for tests, mirroring the
// Neo4j store's merge semantics: nodes are keyed, co-occurrence bumps the
// undirected edge weight, and similarity is 0.5 + 0.1*weight clamped to 1.
type MemoryGraph struct {
	mu       sync.Mutex
	posts    map[string]GraphPost
	topics   map[string]bool
	albums   map[string]bool
	channels map[int64]bool
	related  map[string]TopicEdge
}

// NewMemoryGraph returns an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		posts:    map[string]GraphPost{},
		topics:   map[string]bool{},
		albums:   map[string]bool{},
		channels: map[int64]bool{},
		related:  map[string]TopicEdge{},
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// IndexPost merges the post's nodes and edges.
func (g *MemoryGraph) IndexPost(_ context.Context, p GraphPost) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.posts[p.PostID] = p
	g.channels[p.ChannelID] = true
	if p.AlbumID != "" {
		g.albums[p.AlbumID] = true
	}
	for _, topic := range p.Topics {
		g.topics[topic] = true
	}
	for i := 0; i < len(p.Topics); i++ {
		for j := i + 1; j < len(p.Topics); j++ {
			key := pairKey(p.Topics[i], p.Topics[j])
			edge := g.related[key]
			edge.Weight++
			edge.Similarity = 0.5 + 0.1*float64(edge.Weight)
			if edge.Similarity > 1.0 {
				edge.Similarity = 1.0
			}
			g.related[key] = edge
		}
	}
	return nil
}

// Post returns one stored post node.
func (g *MemoryGraph) Post(id string) (GraphPost, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.posts[id]
	return p, ok
}

// HasTopic reports whether a topic node exists.
func (g *MemoryGraph) HasTopic(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topics[name]
}

// HasAlbum reports whether an album node exists.
func (g *MemoryGraph) HasAlbum(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.albums[id]
}

// Related returns the RELATED_TO edge between two topics, order-insensitive.
func (g *MemoryGraph) Related(a, b string) (TopicEdge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	edge, ok := g.related[pairKey(a, b)]
	return edge, ok
}
