package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
)

// Skip reasons returned by SaveBatch. The two subscription reasons are
// non-fatal skips; an unknown channel is reported by the ingest consumer as
// bad input.
var (
	ErrChannelNotFound      = errors.New("channel_not_found")
	ErrUserNotSubscribed    = errors.New("user_not_subscribed")
	ErrSubscriptionInactive = errors.New("subscription_inactive")
)

// IngestMedia describes one media object of an ingested post. The bytes are
// already in the CAS; this is the bookkeeping row.
type IngestMedia struct {
	SHA256    string `json:"sha256"`
	MIME      string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
	ObjectKey string `json:"object_key"`
	Bucket    string `json:"bucket"`
	Position  int    `json:"position"`
	Role      string `json:"role,omitempty"`
}

// IngestPost is one raw message in a batch.
type IngestPost struct {
	MessageSeq      int64         `json:"message_seq"`
	Text            string        `json:"text"`
	PostedAt        time.Time     `json:"posted_at"`
	GroupedID       int64         `json:"grouped_id,omitempty"`
	TelegramPostURL string        `json:"telegram_post_url"`
	Media           []IngestMedia `json:"media,omitempty"`
	Forwards        []Forward     `json:"forwards,omitempty"`
	Reactions       []Reaction    `json:"reactions,omitempty"`
	Replies         []Reply       `json:"replies,omitempty"`
}

// IngestBatch is one saver call: one channel, many posts. This is the wire
// shape of ingest.batches entries, so the key names are contractual with
// the Telegram client.
type IngestBatch struct {
	ChannelID       int64        `json:"channel_id,omitempty"`
	ChannelUsername string       `json:"channel_username,omitempty"`
	TraceID         string       `json:"trace_id,omitempty"`
	Posts           []IngestPost `json:"posts"`
}

// SaveResult reports what one batch did.
type SaveResult struct {
	TenantID      string
	ChannelID     int64
	PostsInserted int
	PostIDs       []string // inserted posts only, in batch order
	GroupIDs      map[int64]string
}

// Ingest persists raw batches atomically. Events reach the bus through the
// outbox written inside the same transaction.
type Ingest struct {
	pool     *pgxpool.Pool
	resolver *TenantResolver
	outbox   *Outbox
}

// NewIngest wires the saver.
func NewIngest(pool *pgxpool.Pool, resolver *TenantResolver, outbox *Outbox) *Ingest {
	return &Ingest{pool: pool, resolver: resolver, outbox: outbox}
}

// SaveBatch persists one batch in a single transaction:
//
//  1. resolve the channel (by id, then username)
//  2. subscription check; a missing or inactive user_channel row skips the
//     batch with a reason metric, not an error
//  3. insert posts idempotently on (channel_id, message_seq)
//  4. upsert media objects on sha256 and link them, bumping refs_count only
//     for newly created links
//  5. insert the optional side-tables on their natural keys
//  6. upsert album rows and write posts.parsed outbox entries
//
// Re-running the same batch is a silent no-op thanks to the conflict
// targets; the outbox dedups replayed events by idempotency key.
func (s *Ingest) SaveBatch(ctx context.Context, batch IngestBatch) (SaveResult, error) {
	res := SaveResult{GroupIDs: map[int64]string{}}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, faults.Transientf("begin_tx", err)
	}
	defer tx.Rollback(ctx)

	channelID, err := s.resolveChannel(ctx, tx, batch)
	if err != nil {
		metrics.IngestBatches.WithLabelValues("channel_not_found").Inc()
		return res, err
	}
	res.ChannelID = channelID

	if err := s.checkSubscription(ctx, tx, channelID); err != nil {
		reason := "user_not_subscribed"
		if errors.Is(err, ErrSubscriptionInactive) {
			reason = "subscription_inactive"
		}
		metrics.IngestBatches.WithLabelValues(reason).Inc()
		observability.LoggerWithTrace(ctx).Info().
			Int64("channel_id", channelID).Str("reason", reason).
			Msg("ingest_batch_skipped")
		return res, err
	}

	tenant, err := s.resolver.resolveInTx(ctx, tx, channelID)
	if err != nil {
		return res, faults.Transientf("tenant_resolve", err)
	}
	res.TenantID = tenant

	for _, p := range batch.Posts {
		postID, inserted, err := s.insertPost(ctx, tx, channelID, tenant, p)
		if err != nil {
			return res, err
		}
		if !inserted {
			continue
		}
		res.PostsInserted++
		res.PostIDs = append(res.PostIDs, postID)

		shas := make([]string, 0, len(p.Media))
		for _, m := range p.Media {
			if err := s.linkMedia(ctx, tx, postID, m); err != nil {
				return res, err
			}
			shas = append(shas, m.SHA256)
		}
		if err := s.insertSideTables(ctx, tx, postID, p); err != nil {
			return res, err
		}
		if p.GroupedID != 0 {
			groupID, err := s.upsertGroup(ctx, tx, tenant, channelID, p, postID)
			if err != nil {
				return res, err
			}
			res.GroupIDs[p.GroupedID] = groupID
		}

		parsed := events.PostParsed{
			PostID:          postID,
			ChannelID:       channelID,
			TenantID:        tenant,
			Text:            p.Text,
			HasMedia:        len(p.Media) > 0,
			MediaSHA256List: shas,
			GroupedID:       p.GroupedID,
			TelegramPostURL: p.TelegramPostURL,
			PostedAt:        p.PostedAt,
			TraceID:         batch.TraceID,
		}
		env := events.Envelope{
			IdempotencyKey: events.IdempotencyKey(events.StreamPostsParsed, postID),
			TenantID:       tenant,
			TraceID:        batch.TraceID,
			OccurredAt:     time.Now().UTC(),
			SchemaVersion:  events.SchemaVersion,
		}
		if err := s.outbox.addInTx(ctx, tx, events.StreamPostsParsed, env, parsed); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, faults.Transientf("commit", err)
	}
	metrics.IngestBatches.WithLabelValues("saved").Inc()
	metrics.IngestPosts.Add(float64(res.PostsInserted))
	return res, nil
}

func (s *Ingest) resolveChannel(ctx context.Context, tx pgx.Tx, batch IngestBatch) (int64, error) {
	if batch.ChannelID != 0 {
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM channels WHERE id = $1`, batch.ChannelID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, faults.Transientf("channel_lookup", err)
		}
	}
	if batch.ChannelUsername != "" {
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM channels WHERE username = $1`, batch.ChannelUsername).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, faults.Transientf("channel_lookup", err)
		}
	}
	return 0, ErrChannelNotFound
}

func (s *Ingest) checkSubscription(ctx context.Context, tx pgx.Tx, channelID int64) error {
	var isActive bool
	err := tx.QueryRow(ctx,
		`SELECT is_active FROM user_channel WHERE channel_id = $1
		 ORDER BY is_active DESC LIMIT 1`, channelID).Scan(&isActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotSubscribed
	}
	if err != nil {
		return faults.Transientf("subscription_check", err)
	}
	if !isActive {
		return ErrSubscriptionInactive
	}
	return nil
}

func (s *Ingest) insertPost(ctx context.Context, tx pgx.Tx, channelID int64, tenant string, p IngestPost) (string, bool, error) {
	id := uuid.NewString()
	var groupedID *int64
	if p.GroupedID != 0 {
		groupedID = &p.GroupedID
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO posts (id, channel_id, tenant_id, message_seq, text, posted_at,
		                   grouped_id, has_media, telegram_post_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel_id, message_seq) DO NOTHING`,
		id, channelID, tenant, p.MessageSeq, p.Text, p.PostedAt,
		groupedID, len(p.Media) > 0, p.TelegramPostURL)
	if err != nil {
		return "", false, faults.Transientf("insert_post", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// linkMedia upserts the media row and links it to the post. refs_count is
// bumped only when the link is new, which keeps it equal to the number of
// post_media_map rows.
func (s *Ingest) linkMedia(ctx context.Context, tx pgx.Tx, postID string, m IngestMedia) error {
	role := m.Role
	if role == "" {
		role = "primary"
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO media_objects (file_sha256, mime, size_bytes, object_key, bucket)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_sha256) DO UPDATE SET last_seen_at = NOW()`,
		m.SHA256, m.MIME, m.SizeBytes, m.ObjectKey, m.Bucket)
	if err != nil {
		return faults.Transientf("upsert_media", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO post_media_map (post_id, file_sha256, position, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (post_id, file_sha256) DO NOTHING`,
		postID, m.SHA256, m.Position, role)
	if err != nil {
		return faults.Transientf("link_media", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE media_objects SET refs_count = refs_count + 1 WHERE file_sha256 = $1`,
			m.SHA256); err != nil {
			return faults.Transientf("bump_refs", err)
		}
	}
	return nil
}

func (s *Ingest) insertSideTables(ctx context.Context, tx pgx.Tx, postID string, p IngestPost) error {
	for _, f := range p.Forwards {
		if _, err := tx.Exec(ctx, `
			INSERT INTO post_forwards (post_id, from_channel_id, from_message_seq, forwarded_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (post_id, from_channel_id, from_message_seq) DO NOTHING`,
			postID, f.FromChannelID, f.FromMessageSeq, nullTime(f.ForwardedAt)); err != nil {
			return faults.Transientf("insert_forward", err)
		}
	}
	for _, r := range p.Reactions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO post_reactions (post_id, emoji, count)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id, emoji) DO UPDATE SET count = EXCLUDED.count`,
			postID, r.Emoji, r.Count); err != nil {
			return faults.Transientf("insert_reaction", err)
		}
	}
	for _, r := range p.Replies {
		if _, err := tx.Exec(ctx, `
			INSERT INTO post_replies (post_id, reply_message_seq, reply_text, replied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (post_id, reply_message_seq) DO NOTHING`,
			postID, r.ReplyMessageSeq, r.ReplyText, nullTime(r.RepliedAt)); err != nil {
			return faults.Transientf("insert_reply", err)
		}
	}
	return nil
}

// upsertGroup maintains the album row and its item list. items_count tracks
// the number of linked posts seen so far; it grows as split batches land.
func (s *Ingest) upsertGroup(ctx context.Context, tx pgx.Tx, tenant string, channelID int64, p IngestPost, postID string) (string, error) {
	kind := albumKind(p.Media)
	id := uuid.NewString()
	var groupID string
	err := tx.QueryRow(ctx, `
		INSERT INTO media_groups (id, tenant_id, channel_id, grouped_id, items_count, album_kind)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (tenant_id, channel_id, grouped_id)
		DO UPDATE SET items_count = media_groups.items_count + 1,
		              album_kind = CASE WHEN media_groups.album_kind = EXCLUDED.album_kind
		                                THEN media_groups.album_kind ELSE 'mixed' END
		RETURNING id`,
		id, tenant, channelID, p.GroupedID, kind).Scan(&groupID)
	if err != nil {
		return "", faults.Transientf("upsert_group", err)
	}

	var sha *string
	if len(p.Media) > 0 {
		sha = &p.Media[0].SHA256
	}
	var pos int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM media_group_items WHERE group_id = $1`,
		groupID).Scan(&pos); err != nil {
		return "", faults.Transientf("group_position", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO media_group_items (group_id, position, post_id, file_sha256)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, position) DO NOTHING`,
		groupID, pos, postID, sha); err != nil {
		return "", faults.Transientf("insert_group_item", err)
	}
	return groupID, nil
}

func albumKind(media []IngestMedia) string {
	kind := ""
	for _, m := range media {
		k := "document"
		switch {
		case len(m.MIME) >= 5 && m.MIME[:5] == "image":
			k = "photo"
		case len(m.MIME) >= 5 && m.MIME[:5] == "video":
			k = "video"
		}
		switch kind {
		case "", k:
			kind = k
		default:
			return "mixed"
		}
	}
	if kind == "" {
		return "photo"
	}
	return kind
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
