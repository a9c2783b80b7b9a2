// Package album aggregates per-post vision results into one enrichment per
// Telegram album. Albums arrive split across ingest batches minutes apart;
// the assembler keys its state on the Telegram grouped_id and discovers
// siblings through the database, not the current batch.
package album

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faststore"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/media"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

// Assembler is the album state machine: empty → partial → assembled or
// expired.
type Assembler struct {
	states        *faststore.AlbumStates
	posts         *store.Posts
	cas           *media.CAS
	publisher     *bus.Bus
	schemaVersion int
}

// NewAssembler wires the stage.
func NewAssembler(states *faststore.AlbumStates, posts *store.Posts, cas *media.CAS, publisher *bus.Bus, schemaVersion int) *Assembler {
	return &Assembler{
		states:        states,
		posts:         posts,
		cas:           cas,
		publisher:     publisher,
		schemaVersion: schemaVersion,
	}
}

// HandleAlbumParsed processes an albums.parsed sighting. A later sighting of
// a grown album raises expected_items; if parked vision results already
// cover the album, this handler performs the assembly.
func (a *Assembler) HandleAlbumParsed(ctx context.Context, d bus.Delivery) error {
	var ev events.AlbumParsed
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_albums_parsed", err)
	}
	if ev.GroupID == "" || ev.ItemsCount <= 0 {
		return faults.BadInput("albums_parsed_shape", errors.New("group_id and items_count required"))
	}

	st, err := a.states.Sight(ctx, ev)
	if err != nil {
		return faults.Transientf("album_sight", err)
	}
	if !st.Complete() || st.AssembledAt != nil {
		return nil
	}
	st, flipped, err := a.states.TryAssemble(ctx, ev.GroupID)
	if err != nil {
		return faults.Transientf("album_try_assemble", err)
	}
	if !flipped {
		return nil
	}
	return a.assemble(ctx, st)
}

// HandleVisionAnalyzed folds one post's vision result into its album, if it
// belongs to one. The album is found via the database because the event
// carries only the post id.
func (a *Assembler) HandleVisionAnalyzed(ctx context.Context, d bus.Delivery) error {
	var ev events.VisionAnalyzed
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return faults.BadInput("decode_vision_analyzed", err)
	}
	group, found, err := a.posts.GroupForPost(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if !found {
		return nil // standalone post, nothing to assemble
	}

	// Refresh expected_items from the durable row: the DB sees every batch,
	// the current event does not.
	if _, err := a.states.Sight(ctx, events.AlbumParsed{
		GroupID:    group.ID,
		TenantID:   group.TenantID,
		ChannelID:  group.ChannelID,
		GroupedID:  group.GroupedID,
		ItemsCount: group.ItemsCount,
	}); err != nil {
		return faults.Transientf("album_sight", err)
	}

	st, completed, err := a.states.AddVision(ctx, group.ID, ev.PostID, ev.Vision)
	if err != nil {
		return faults.Transientf("album_add_vision", err)
	}
	if !completed {
		return nil
	}
	return a.assemble(ctx, st)
}

// assemble runs exactly once per album, on the consumer that won the
// assembled_at flip: aggregate, upload the summary artifact, stamp the
// durable row, publish, drop the state record. On failure the flip is
// reverted so the redelivered event can win it again; re-running assemble
// is idempotent because the artifact and meta writes overwrite and the
// event carries a stable idempotency key.
func (a *Assembler) assemble(ctx context.Context, st faststore.AlbumState) (err error) {
	defer func() {
		if err != nil {
			if cerr := a.states.ClearAssembled(ctx, st.GroupID); cerr != nil {
				observability.LoggerWithTrace(ctx).Error().Err(cerr).
					Str("album_id", st.GroupID).Msg("album_sentinel_revert_failed")
			}
		}
	}()

	items, err := a.posts.GroupItems(ctx, st.GroupID)
	if err != nil {
		return err
	}
	summary := aggregate(st, items)

	s3Key := media.AlbumSummaryKey(st.TenantID, st.GroupID, a.schemaVersion)
	if err := a.cas.PutJSON(ctx, s3Key, summary); err != nil {
		return faults.Transientf("album_summary_upload", err)
	}
	if err := a.posts.SetGroupEnrichment(ctx, st.GroupID, summary); err != nil {
		return err
	}

	lag := time.Since(st.CreatedAt).Seconds()
	body, _ := json.Marshal(summary)
	out := events.AlbumAssembled{
		AlbumID:            st.GroupID,
		TenantID:           st.TenantID,
		ItemsCount:         st.ExpectedItems,
		ItemsAnalyzed:      len(st.Received),
		VisionSummary:      body,
		S3Key:              s3Key,
		AssemblyLagSeconds: lag,
	}
	if _, err := a.publisher.Publish(ctx, events.StreamAlbumAssembled, events.Envelope{
		IdempotencyKey: events.IdempotencyKey(events.StreamAlbumAssembled, st.GroupID),
		TenantID:       st.TenantID,
	}, out); err != nil {
		return err
	}

	metrics.AlbumsAssembled.Inc()
	metrics.AlbumAssemblyLag.Observe(lag)
	observability.LoggerWithTrace(ctx).Info().
		Str("album_id", st.GroupID).Int("items", st.ExpectedItems).
		Float64("lag_seconds", lag).Msg("album_assembled")
	return a.states.Delete(ctx, st.GroupID)
}

// Summary is the aggregated album enrichment stored in media_groups.meta and
// the album artifact.
type Summary struct {
	Labels      []string `json:"labels"`
	Description string   `json:"description"`
	OCRText     string   `json:"ocr_text"`
	HasMeme     bool     `json:"has_meme"`
	Items       int      `json:"items"`
	Analyzed    int      `json:"analyzed"`
	Schema      int      `json:"schema_version"`
}

// aggregate folds per-post results in album position order: label union
// preserving first-seen order, descriptions concatenated by position, OCR
// texts unioned, has_meme as any-of.
func aggregate(st faststore.AlbumState, items []store.GroupItem) Summary {
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })

	sum := Summary{Items: st.ExpectedItems, Analyzed: len(st.Received)}
	seenLabel := map[string]bool{}
	seenOCR := map[string]bool{}
	var descs, ocrs []string

	add := func(vr events.VisionResult) {
		for _, l := range vr.Labels {
			if !seenLabel[l] {
				seenLabel[l] = true
				sum.Labels = append(sum.Labels, l)
			}
		}
		if vr.Description != "" {
			descs = append(descs, vr.Description)
		}
		if t := strings.TrimSpace(vr.OCR.Text); t != "" && !seenOCR[t] {
			seenOCR[t] = true
			ocrs = append(ocrs, t)
		}
		sum.HasMeme = sum.HasMeme || vr.IsMeme
	}

	covered := map[string]bool{}
	for _, it := range items {
		if vr, ok := st.Received[it.PostID]; ok {
			covered[it.PostID] = true
			add(vr)
		}
	}
	// Results for posts not (yet) linked as group items still count.
	rest := make([]string, 0, len(st.Received))
	for postID := range st.Received {
		if !covered[postID] {
			rest = append(rest, postID)
		}
	}
	sort.Strings(rest)
	for _, postID := range rest {
		add(st.Received[postID])
	}

	sum.Description = strings.Join(descs, " ")
	sum.OCRText = strings.Join(ocrs, "\n")
	return sum
}

// RunExpiry periodically expires albums whose assembly TTL ran out before
// completion: emit album.assembly_expired with the partial set, drop the
// record, never emit album.assembled.
func (a *Assembler) RunExpiry(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.expireOnce(ctx); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("album_expiry_sweep_failed")
			}
		}
	}
}

func (a *Assembler) expireOnce(ctx context.Context) error {
	expired, err := a.states.Expired(ctx)
	if err != nil {
		return err
	}
	for _, st := range expired {
		missing, err := a.missingPosts(ctx, st)
		if err != nil {
			return err
		}
		out := events.AlbumExpired{
			AlbumID:       st.GroupID,
			TenantID:      st.TenantID,
			ItemsCount:    st.ExpectedItems,
			ItemsAnalyzed: len(st.Received),
			MissingPosts:  missing,
		}
		if _, err := a.publisher.Publish(ctx, events.StreamAlbumExpired, events.Envelope{
			IdempotencyKey: events.IdempotencyKey(events.StreamAlbumExpired, st.GroupID),
			TenantID:       st.TenantID,
		}, out); err != nil {
			return err
		}
		metrics.AlbumsExpired.Inc()
		observability.LoggerWithTrace(ctx).Warn().
			Str("album_id", st.GroupID).
			Int("analyzed", len(st.Received)).Int("expected", st.ExpectedItems).
			Msg("album_assembly_expired")
		if err := a.states.Delete(ctx, st.GroupID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) missingPosts(ctx context.Context, st faststore.AlbumState) ([]string, error) {
	if st.ChannelID == 0 || st.GroupedID == 0 {
		return nil, nil
	}
	siblings, err := a.posts.SiblingIDs(ctx, st.ChannelID, st.GroupedID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range siblings {
		if _, ok := st.Received[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
