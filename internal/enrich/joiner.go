// Package enrich joins a post's enrichment rows into the single
// posts.enriched record the indexer consumes.
package enrich

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

type enrichmentStore interface {
	Get(ctx context.Context, postID, kind string) (store.Enrichment, bool, error)
}

type postStore interface {
	Get(ctx context.Context, postID string) (store.Post, bool, error)
	GroupForPost(ctx context.Context, postID string) (store.MediaGroup, bool, error)
	GroupItems(ctx context.Context, groupID string) ([]store.GroupItem, error)
}

type tenantSource interface {
	Resolve(ctx context.Context, channelID int64, postID string) (string, error)
}

// Joiner assembles the combined record from the enrichment rows. It reacts
// to every stream that can complete a post after the fact: posts.tagged for
// the mandatory tag stage, posts.crawled for crawls that land after the
// tag-triggered join already fired, and album.assembled for late album
// summaries. Each handler re-reads the current rows, so whichever stage
// finishes last republishes the full picture; replays collapse on the
// per-cause idempotency keys.
type Joiner struct {
	enrichments enrichmentStore
	posts       postStore
	resolver    tenantSource
	publisher   bus.Publisher
}

// NewJoiner wires the stage.
func NewJoiner(enrichments enrichmentStore, posts postStore, resolver tenantSource, publisher bus.Publisher) *Joiner {
	return &Joiner{
		enrichments: enrichments,
		posts:       posts,
		resolver:    resolver,
		publisher:   publisher,
	}
}

// HandlePostTagged processes one posts.tagged delivery (any trigger).
func (j *Joiner) HandlePostTagged(ctx context.Context, d bus.Delivery) error {
	var ev events.PostTagged
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_tagged", err)
	}
	if ev.PostID == "" {
		return faults.BadInput("posts_tagged_shape", errors.New("post_id required"))
	}

	post, found, err := j.posts.Get(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !found {
		return faults.BadInput("post_missing", errors.New(ev.PostID))
	}

	tenant := ev.TenantID
	if tenant == "" {
		tenant, err = j.resolver.Resolve(ctx, post.ChannelID, ev.PostID)
		if err != nil {
			return err
		}
	}

	key := events.IdempotencyKey(events.StreamPostsEnriched, ev.PostID, ev.TagsHash)
	return j.emit(ctx, post, tenant, ev.Tags, key)
}

// HandlePostCrawled re-joins a post once its crawl enrichment is durable.
// Without tags the post has not been through the mandatory stage yet; the
// tagger's own join will then carry the crawl row.
func (j *Joiner) HandlePostCrawled(ctx context.Context, d bus.Delivery) error {
	var ev events.PostCrawled
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_crawled", err)
	}
	if ev.PostID == "" {
		return faults.BadInput("posts_crawled_shape", errors.New("post_id required"))
	}

	tags, found, err := j.storedTags(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	post, foundPost, err := j.posts.Get(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !foundPost {
		return faults.BadInput("post_missing", errors.New(ev.PostID))
	}
	tenant := ev.TenantID
	if tenant == "" {
		tenant, err = j.resolver.Resolve(ctx, post.ChannelID, ev.PostID)
		if err != nil {
			return err
		}
	}

	key := events.IdempotencyKey(events.StreamPostsEnriched, ev.PostID, "crawl",
		ev.CanonicalURL, ev.Status)
	return j.emit(ctx, post, tenant, tags, key)
}

// HandleAlbumAssembled re-joins every member of a freshly assembled album so
// the indexer sees the album id and the aggregated vision data. Members
// without a tags row are skipped; their tag-stage join is still ahead and
// will pick the album up itself.
func (j *Joiner) HandleAlbumAssembled(ctx context.Context, d bus.Delivery) error {
	var ev events.AlbumAssembled
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_album_assembled", err)
	}
	if ev.AlbumID == "" {
		return faults.BadInput("album_assembled_shape", errors.New("album_id required"))
	}

	items, err := j.posts.GroupItems(ctx, ev.AlbumID)
	if err != nil {
		return err
	}
	for _, item := range items {
		tags, found, err := j.storedTags(ctx, item.PostID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		post, foundPost, err := j.posts.Get(ctx, item.PostID)
		if err != nil {
			return err
		}
		if !foundPost {
			continue
		}
		tenant := ev.TenantID
		if tenant == "" {
			tenant = post.TenantID
		}
		key := events.IdempotencyKey(events.StreamPostsEnriched, item.PostID,
			"album", ev.AlbumID)
		if err := j.emit(ctx, post, tenant, tags, key); err != nil {
			return err
		}
	}
	return nil
}

// storedTags reads the tags enrichment row; found is false when the post
// has not been tagged yet.
func (j *Joiner) storedTags(ctx context.Context, postID string) ([]string, bool, error) {
	row, found, err := j.enrichments.Get(ctx, postID, store.KindTags)
	if err != nil || !found {
		return nil, found, err
	}
	var data struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, false, faults.BadInput("tags_data_shape", err)
	}
	return data.Tags, true, nil
}

// emit reads the current vision, crawl and album state for the post and
// publishes one posts.enriched record.
func (j *Joiner) emit(ctx context.Context, post store.Post, tenant string, tags []string, idempotencyKey string) error {
	out := events.PostEnriched{
		PostID:   post.ID,
		TenantID: tenant,
		Text:     post.Text,
		Tags:     tags,
	}

	if vision, foundVision, err := j.enrichments.Get(ctx, post.ID, store.KindVision); err != nil {
		return err
	} else if foundVision {
		var vr events.VisionResult
		if err := json.Unmarshal(vision.Data, &vr); err == nil {
			out.Vision = &vr
		}
	}
	if crawl, foundCrawl, err := j.enrichments.Get(ctx, post.ID, store.KindCrawl); err != nil {
		return err
	} else if foundCrawl && crawl.Status == store.StatusOK {
		out.Crawl = crawl.Data
	}
	if group, foundGroup, err := j.posts.GroupForPost(ctx, post.ID); err != nil {
		return err
	} else if foundGroup {
		out.AlbumID = group.ID
	}

	_, err := j.publisher.Publish(ctx, events.StreamPostsEnriched, events.Envelope{
		IdempotencyKey: idempotencyKey,
		TenantID:       tenant,
	}, out)
	return err
}
