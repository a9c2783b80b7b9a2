package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// Posts serves the read side: album sibling discovery, media lookups and
// the album meta update.
type Posts struct {
	pool *pgxpool.Pool
}

// NewPosts wraps the pool.
func NewPosts(pool *pgxpool.Pool) *Posts {
	return &Posts{pool: pool}
}

// Get loads one post.
func (p *Posts) Get(ctx context.Context, postID string) (Post, bool, error) {
	var (
		post      Post
		groupedID *int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, channel_id, tenant_id, message_seq, text, posted_at,
		       grouped_id, has_media, telegram_post_url
		FROM posts WHERE id = $1`, postID).
		Scan(&post.ID, &post.ChannelID, &post.TenantID, &post.MessageSeq, &post.Text,
			&post.PostedAt, &groupedID, &post.HasMedia, &post.TelegramPostURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, false, nil
	}
	if err != nil {
		return Post{}, false, faults.Transientf("get_post", err)
	}
	if groupedID != nil {
		post.GroupedID = *groupedID
	}
	return post, true, nil
}

// SiblingIDs returns every post of an album in the channel, regardless of
// which ingest batch carried it. This DB-backed lookup is what makes album
// assembly robust against Telegram delivery splits.
func (p *Posts) SiblingIDs(ctx context.Context, channelID, groupedID int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM posts WHERE channel_id = $1 AND grouped_id = $2
		ORDER BY message_seq`, channelID, groupedID)
	if err != nil {
		return nil, faults.Transientf("sibling_lookup", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupForPost finds the album a post belongs to, if any.
func (p *Posts) GroupForPost(ctx context.Context, postID string) (MediaGroup, bool, error) {
	var g MediaGroup
	err := p.pool.QueryRow(ctx, `
		SELECT mg.id, mg.tenant_id, mg.channel_id, mg.grouped_id, mg.items_count,
		       mg.album_kind, mg.meta
		FROM media_groups mg
		JOIN media_group_items mgi ON mgi.group_id = mg.id
		WHERE mgi.post_id = $1`, postID).
		Scan(&g.ID, &g.TenantID, &g.ChannelID, &g.GroupedID, &g.ItemsCount,
			&g.AlbumKind, &g.Meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return MediaGroup{}, false, nil
	}
	if err != nil {
		return MediaGroup{}, false, faults.Transientf("group_for_post", err)
	}
	return g, true, nil
}

// Group loads one album row by id.
func (p *Posts) Group(ctx context.Context, groupID string) (MediaGroup, bool, error) {
	var g MediaGroup
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, channel_id, grouped_id, items_count, album_kind, meta
		FROM media_groups WHERE id = $1`, groupID).
		Scan(&g.ID, &g.TenantID, &g.ChannelID, &g.GroupedID, &g.ItemsCount,
			&g.AlbumKind, &g.Meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return MediaGroup{}, false, nil
	}
	if err != nil {
		return MediaGroup{}, false, faults.Transientf("get_group", err)
	}
	return g, true, nil
}

// GroupItems returns an album's members in position order.
func (p *Posts) GroupItems(ctx context.Context, groupID string) ([]GroupItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT group_id, position, post_id, COALESCE(file_sha256, '')
		FROM media_group_items WHERE group_id = $1 ORDER BY position`, groupID)
	if err != nil {
		return nil, faults.Transientf("group_items", err)
	}
	defer rows.Close()

	var out []GroupItem
	for rows.Next() {
		var it GroupItem
		if err := rows.Scan(&it.GroupID, &it.Position, &it.PostID, &it.SHA256); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetGroupEnrichment writes the assembled summary under meta.enrichment.
func (p *Posts) SetGroupEnrichment(ctx context.Context, groupID string, summary any) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return faults.BadInput("encode_group_enrichment", err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE media_groups SET meta = jsonb_set(meta, '{enrichment}', $2::jsonb, true)
		WHERE id = $1`, groupID, body)
	if err != nil {
		return faults.Transientf("set_group_enrichment", err)
	}
	return nil
}

// MediaForPost returns a post's media objects in map position order.
func (p *Posts) MediaForPost(ctx context.Context, postID string) ([]MediaObject, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT mo.file_sha256, mo.mime, mo.size_bytes, mo.object_key, mo.bucket,
		       mo.first_seen_at, mo.last_seen_at, mo.refs_count
		FROM media_objects mo
		JOIN post_media_map pmm ON pmm.file_sha256 = mo.file_sha256
		WHERE pmm.post_id = $1 ORDER BY pmm.position`, postID)
	if err != nil {
		return nil, faults.Transientf("media_for_post", err)
	}
	defer rows.Close()

	var out []MediaObject
	for rows.Next() {
		var m MediaObject
		if err := rows.Scan(&m.SHA256, &m.MIME, &m.SizeBytes, &m.ObjectKey, &m.Bucket,
			&m.FirstSeenAt, &m.LastSeenAt, &m.RefsCount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreferencedMedia lists objects with refs_count = 0, oldest first; the
// quota sweep deletes them to reclaim space.
func (p *Posts) UnreferencedMedia(ctx context.Context, limit int) ([]MediaObject, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT file_sha256, mime, size_bytes, object_key, bucket,
		       first_seen_at, last_seen_at, refs_count
		FROM media_objects WHERE refs_count = 0
		ORDER BY last_seen_at LIMIT $1`, limit)
	if err != nil {
		return nil, faults.Transientf("unreferenced_media", err)
	}
	defer rows.Close()

	var out []MediaObject
	for rows.Next() {
		var m MediaObject
		if err := rows.Scan(&m.SHA256, &m.MIME, &m.SizeBytes, &m.ObjectKey, &m.Bucket,
			&m.FirstSeenAt, &m.LastSeenAt, &m.RefsCount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMediaObject removes a row only while it is unreferenced.
func (p *Posts) DeleteMediaObject(ctx context.Context, sha string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM media_objects WHERE file_sha256 = $1 AND refs_count = 0`, sha)
	if err != nil {
		return false, faults.Transientf("delete_media_object", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Tenants lists the distinct tenants present in posts; the quota sweep
// iterates it.
func (p *Posts) Tenants(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM posts`)
	if err != nil {
		return nil, faults.Transientf("list_tenants", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
