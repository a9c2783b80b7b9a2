package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/observability"
)

// TenantResolver produces a non-empty tenant id for any channel/post pair.
// Sources are tried in a fixed order: subscribed user, the post's tags
// enrichment, the channel settings, then the "default" sentinel. The
// sentinel is never returned silently; a warning is logged so masked real
// values show up in operations.
type TenantResolver struct {
	pool *pgxpool.Pool
}

// NewTenantResolver wraps the pool.
func NewTenantResolver(pool *pgxpool.Pool) *TenantResolver {
	return &TenantResolver{pool: pool}
}

type tenantQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolve returns the tenant for a channel, optionally consulting postID's
// tags enrichment.
func (r *TenantResolver) Resolve(ctx context.Context, channelID int64, postID string) (string, error) {
	return r.resolve(ctx, r.pool, channelID, postID)
}

// resolveInTx runs the same lookup inside an open transaction.
func (r *TenantResolver) resolveInTx(ctx context.Context, tx pgx.Tx, channelID int64) (string, error) {
	return r.resolve(ctx, tx, channelID, "")
}

func (r *TenantResolver) resolve(ctx context.Context, q tenantQuerier, channelID int64, postID string) (string, error) {
	var tenant string

	err := q.QueryRow(ctx, `
		SELECT u.tenant_id FROM users u
		JOIN user_channel uc ON uc.user_id = u.id
		WHERE uc.channel_id = $1 LIMIT 1`, channelID).Scan(&tenant)
	if err == nil && tenant != "" {
		return tenant, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", faults.Transientf("tenant_user_lookup", err)
	}

	if postID != "" {
		err = q.QueryRow(ctx, `
			SELECT pe.data->>'tenant_id' FROM post_enrichment pe
			WHERE pe.post_id = $1 AND pe.kind = 'tags'
			  AND pe.data ? 'tenant_id'`, postID).Scan(&tenant)
		if err == nil && tenant != "" {
			return tenant, nil
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", faults.Transientf("tenant_enrichment_lookup", err)
		}
	}

	err = q.QueryRow(ctx, `
		SELECT c.settings->>'tenant_id' FROM channels c
		WHERE c.id = $1 AND c.settings ? 'tenant_id'`, channelID).Scan(&tenant)
	if err == nil && tenant != "" {
		return tenant, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", faults.Transientf("tenant_channel_lookup", err)
	}

	observability.LoggerWithTrace(ctx).Warn().
		Int64("channel_id", channelID).Str("post_id", postID).
		Msg("tenant_resolution_fell_back_to_sentinel")
	return events.TenantSentinel, nil
}
