package tagging

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

// Retagger regenerates tags when new vision output meaningfully changes a
// post. It consumes posts.vision.analyzed — never posts.tagged — which is
// what breaks the retag feedback loop: its own output lands on a stream it
// does not read.
type Retagger struct {
	provider    Provider
	enrichments *store.Enrichments
	posts       *store.Posts
	publisher   *bus.Bus
}

// NewRetagger wires the stage.
func NewRetagger(provider Provider, enrichments *store.Enrichments, posts *store.Posts, publisher *bus.Bus) *Retagger {
	return &Retagger{
		provider:    provider,
		enrichments: enrichments,
		posts:       posts,
		publisher:   publisher,
	}
}

// needsRetag gates regeneration: a newer vision run or a changed features
// hash qualifies, identical features do not. Replays of the run the tags
// were computed against always fall through to the second comparison.
func needsRetag(current tagsData, ev events.VisionAnalyzed) bool {
	if ev.VisionVersion > current.VisionVersion {
		return true
	}
	return ev.FeaturesHash != current.FeaturesHash
}

// Handle processes one posts.vision.analyzed delivery. Tags are regenerated
// only when a tags row already exists and the vision run is newer or its
// features hash changed; identical features emit nothing.
func (r *Retagger) Handle(ctx context.Context, d bus.Delivery) error {
	var ev events.VisionAnalyzed
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_vision_analyzed", err)
	}
	if ev.PostID == "" {
		return faults.BadInput("vision_analyzed_shape", errors.New("post_id required"))
	}

	existing, found, err := r.enrichments.Get(ctx, ev.PostID, store.KindTags)
	if err != nil {
		return err
	}
	if !found {
		// No initial tags yet; the tagger will pick the vision data up on
		// its own pass.
		return nil
	}

	var current tagsData
	if err := json.Unmarshal(existing.Data, &current); err != nil {
		return faults.BadInput("tags_data_shape", err)
	}
	if !needsRetag(current, ev) {
		return nil
	}

	post, foundPost, err := r.posts.Get(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !foundPost {
		return faults.BadInput("post_missing", errors.New(ev.PostID))
	}
	tenant := ev.TenantID
	if tenant == "" {
		tenant = post.TenantID
	}

	input := post.Text
	if v, foundVision, err := r.enrichments.Get(ctx, ev.PostID, store.KindVision); err != nil {
		return err
	} else if foundVision {
		input = appendVisionSummary(input, v.Data)
	}

	tags, err := generateWithRetry(ctx, r.provider, input)
	if err != nil {
		return err
	}

	observability.LoggerWithTrace(ctx).Info().
		Str("post_id", ev.PostID).Int64("vision_version", ev.VisionVersion).
		Msg("retag_triggered_by_vision")
	return persistAndEmit(ctx, r.enrichments, r.publisher, persistArgs{
		postID:        ev.PostID,
		tenant:        tenant,
		provider:      r.provider,
		tags:          tags,
		trigger:       events.TriggerVisionRetag,
		visionVersion: ev.VisionVersion,
		featuresHash:  ev.FeaturesHash,
	})
}
