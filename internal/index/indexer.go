package index

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

type postGetter interface {
	Get(ctx context.Context, postID string) (store.Post, bool, error)
}

// Indexer consumes posts.enriched and writes one vector point plus the
// graph nodes and edges. A partial write (vector ok, graph failed) returns
// an error so the bus redelivers; both writes are idempotent merges.
type Indexer struct {
	embedder  Embedder
	vectors   Vectors
	graph     Graph
	posts     postGetter
	publisher bus.Publisher
}

// NewIndexer wires the stage.
func NewIndexer(embedder Embedder, vectors Vectors, graph Graph, posts postGetter, publisher bus.Publisher) *Indexer {
	return &Indexer{
		embedder:  embedder,
		vectors:   vectors,
		graph:     graph,
		posts:     posts,
		publisher: publisher,
	}
}

// Handle processes one posts.enriched delivery.
func (ix *Indexer) Handle(ctx context.Context, d bus.Delivery) error {
	var ev events.PostEnriched
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_enriched", err)
	}
	if ev.PostID == "" || ev.TenantID == "" {
		return faults.BadInput("posts_enriched_shape", errors.New("post_id and tenant_id required"))
	}

	post, found, err := ix.posts.Get(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !found {
		return faults.BadInput("post_missing", errors.New(ev.PostID))
	}

	embedInput := ev.Text
	var visionLabels []string
	isMeme := false
	if ev.Vision != nil {
		visionLabels = ev.Vision.Labels
		isMeme = ev.Vision.IsMeme
		if ev.Vision.Description != "" {
			embedInput += "\n" + ev.Vision.Description
		}
	}
	vector, err := ix.embedder.Embed(ctx, embedInput)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"post_id":    ev.PostID,
		"channel_id": post.ChannelID,
		"tenant_id":  ev.TenantID,
		"tags":       toAnySlice(ev.Tags),
		"is_meme":    isMeme,
		"posted_at":  post.PostedAt.UTC().Format(time.RFC3339),
	}
	if ev.AlbumID != "" {
		payload["album_id"] = ev.AlbumID
	}
	if len(visionLabels) > 0 {
		payload["vision_labels"] = toAnySlice(visionLabels)
	}

	vectorID, err := ix.vectors.UpsertPost(ctx, ev.TenantID, ev.PostID, vector, payload)
	if err != nil {
		metrics.IndexWrites.WithLabelValues("vector", "error").Inc()
		return faults.Transientf("vector_upsert", err)
	}
	metrics.IndexWrites.WithLabelValues("vector", "ok").Inc()

	if err := ix.graph.IndexPost(ctx, GraphPost{
		PostID:    ev.PostID,
		TenantID:  ev.TenantID,
		ChannelID: post.ChannelID,
		AlbumID:   ev.AlbumID,
		Topics:    ev.Tags,
		IsMeme:    isMeme,
		PostedAt:  post.PostedAt.UTC().Format(time.RFC3339),
	}); err != nil {
		metrics.IndexWrites.WithLabelValues("graph", "error").Inc()
		return faults.Transientf("graph_write", err)
	}
	metrics.IndexWrites.WithLabelValues("graph", "ok").Inc()

	out := events.PostIndexed{
		PostID:    ev.PostID,
		TenantID:  ev.TenantID,
		VectorID:  vectorID,
		IndexedAt: time.Now().UTC(),
	}
	_, err = ix.publisher.Publish(ctx, events.StreamPostsIndexed, events.Envelope{
		IdempotencyKey: events.IdempotencyKey(events.StreamPostsIndexed, ev.PostID),
		TenantID:       ev.TenantID,
	}, out)
	return err
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
