package tagging

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

// tagsData is the shape stored in the tags enrichment row. vision_version
// and features_hash pin the vision run the tags were computed against; the
// retagger compares against them.
type tagsData struct {
	Tags          []string `json:"tags"`
	TagsHash      string   `json:"tags_hash"`
	Trigger       string   `json:"trigger"`
	VisionVersion int64    `json:"vision_version,omitempty"`
	FeaturesHash  string   `json:"features_hash,omitempty"`
	TenantID      string   `json:"tenant_id,omitempty"`
}

// Tagger consumes posts.parsed and writes the initial tags enrichment.
type Tagger struct {
	provider    Provider
	enrichments *store.Enrichments
	resolver    *store.TenantResolver
	publisher   *bus.Bus
}

// NewTagger wires the stage.
func NewTagger(provider Provider, enrichments *store.Enrichments, resolver *store.TenantResolver, publisher *bus.Bus) *Tagger {
	return &Tagger{
		provider:    provider,
		enrichments: enrichments,
		resolver:    resolver,
		publisher:   publisher,
	}
}

// Handle processes one posts.parsed delivery.
func (t *Tagger) Handle(ctx context.Context, d bus.Delivery) error {
	var ev events.PostParsed
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_posts_parsed", err)
	}
	if ev.PostID == "" {
		return faults.BadInput("posts_parsed_shape", errors.New("post_id required"))
	}
	tenant := ev.TenantID
	if tenant == "" {
		var err error
		tenant, err = t.resolver.Resolve(ctx, ev.ChannelID, ev.PostID)
		if err != nil {
			return err
		}
	}

	input := ev.Text
	var visionVersion int64
	var featuresHash string
	// Media posts with little text still get useful tags when a vision run
	// already landed.
	if vision, found, err := t.enrichments.Get(ctx, ev.PostID, store.KindVision); err != nil {
		return err
	} else if found {
		input = appendVisionSummary(input, vision.Data)
		visionVersion = vision.Version
	}

	tags, err := generateWithRetry(ctx, t.provider, input)
	if err != nil {
		return err
	}

	return persistAndEmit(ctx, t.enrichments, t.publisher, persistArgs{
		postID:        ev.PostID,
		tenant:        tenant,
		provider:      t.provider,
		tags:          tags,
		trigger:       events.TriggerInitial,
		visionVersion: visionVersion,
		featuresHash:  featuresHash,
	})
}

type persistArgs struct {
	postID        string
	tenant        string
	provider      Provider
	tags          []string
	trigger       string
	visionVersion int64
	featuresHash  string
}

func persistAndEmit(ctx context.Context, enrichments *store.Enrichments, publisher *bus.Bus, a persistArgs) error {
	hash := TagsHash(a.tags)
	data := tagsData{
		Tags:          a.tags,
		TagsHash:      hash,
		Trigger:       a.trigger,
		VisionVersion: a.visionVersion,
		FeaturesHash:  a.featuresHash,
		TenantID:      a.tenant,
	}
	if _, err := enrichments.Upsert(ctx, store.UpsertParams{
		PostID:   a.postID,
		Kind:     store.KindTags,
		Provider: a.provider.Name(),
		Data:     data,
		Status:   store.StatusOK,
		ParamsHash: store.ComputeParamsHash(a.provider.Model(), "v1",
			map[string]any{"tags_hash": hash}),
	}); err != nil {
		return err
	}

	metrics.TagsGenerated.WithLabelValues(a.trigger).Inc()
	out := events.PostTagged{
		PostID:        a.postID,
		TenantID:      a.tenant,
		Tags:          a.tags,
		TagsHash:      hash,
		Trigger:       a.trigger,
		VisionVersion: a.visionVersion,
	}
	_, err := publisher.Publish(ctx, events.StreamPostsTagged, events.Envelope{
		IdempotencyKey: events.IdempotencyKey(events.StreamPostsTagged, a.postID, a.trigger, hash),
		TenantID:       a.tenant,
	}, out)
	return err
}

// appendVisionSummary folds the vision description and OCR text into the
// tagger's input.
func appendVisionSummary(text string, visionData json.RawMessage) string {
	var v struct {
		Description string `json:"description"`
		OCR         struct {
			Text string `json:"text"`
		} `json:"ocr"`
	}
	if err := json.Unmarshal(visionData, &v); err != nil {
		return text
	}
	var parts []string
	if text != "" {
		parts = append(parts, text)
	}
	if v.Description != "" {
		parts = append(parts, "Image description: "+v.Description)
	}
	if v.OCR.Text != "" {
		parts = append(parts, "Image text: "+v.OCR.Text)
	}
	return strings.Join(parts, "\n\n")
}

// generateWithRetry applies the shared 3-attempt jittered backoff.
func generateWithRetry(ctx context.Context, p Provider, input string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			base := time.Second << uint(attempt)
			d := time.Duration(rand.Int63n(int64(base))) + 50*time.Millisecond
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		tags, err := p.Generate(ctx, input)
		if err == nil {
			return tags, nil
		}
		lastErr = err
		if faults.KindOf(err) == faults.PermanentInput {
			break
		}
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Int("attempt", attempt+1).Msg("tag_generation_retry")
	}
	return nil, lastErr
}
