package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/faststore"
	"github.com/ilyasni/telegram-assistant/internal/media"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

// QuotaSweep reconciles the cached per-tenant usage counters against the
// bucket listing and reclaims space from unreferenced objects. Quota checks
// read the cache, so this sweep is what bounds their drift.
type QuotaSweep struct {
	cas      *media.CAS
	usage    *faststore.Usage
	posts    *store.Posts
	interval time.Duration
}

// NewQuotaSweep wires the task.
func NewQuotaSweep(cas *media.CAS, usage *faststore.Usage, posts *store.Posts, interval time.Duration) *QuotaSweep {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &QuotaSweep{cas: cas, usage: usage, posts: posts, interval: interval}
}

// Run sweeps once immediately, then on the interval.
func (q *QuotaSweep) Run(ctx context.Context) error {
	if err := q.sweepOnce(ctx); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("quota_sweep_failed")
	}
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.sweepOnce(ctx); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("quota_sweep_failed")
			}
		}
	}
}

func (q *QuotaSweep) sweepOnce(ctx context.Context) error {
	if err := q.ReclaimUnreferenced(ctx); err != nil {
		return err
	}

	tenants, err := q.posts.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		actual, err := q.cas.TenantBytes(ctx, tenant)
		if err != nil {
			return err
		}
		if err := q.usage.Set(ctx, tenant, actual); err != nil {
			return err
		}
		metrics.StorageUsageGB.WithLabelValues(tenant).
			Set(float64(actual) / float64(1<<30))
	}
	return nil
}

// ReclaimUnreferenced deletes objects whose rows reached refs_count = 0.
// Also invoked as the emergency path when an upload hits the quota. The row
// goes first: a crash between row and object delete leaves an orphan object
// the next sweep's listing reconciliation absorbs, never a dangling row.
func (q *QuotaSweep) ReclaimUnreferenced(ctx context.Context) error {
	objects, err := q.posts.UnreferencedMedia(ctx, 500)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		removed, err := q.posts.DeleteMediaObject(ctx, obj.SHA256)
		if err != nil {
			return err
		}
		if !removed {
			continue // re-referenced since the listing
		}
		tenant := tenantFromKey(obj.ObjectKey)
		if err := q.cas.Delete(ctx, tenant, obj.ObjectKey, 0); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).
				Str("key", obj.ObjectKey).Msg("media_object_delete_failed")
		}
	}
	return nil
}

// tenantFromKey extracts the tenant segment of media/{tenant}/... keys.
func tenantFromKey(key string) string {
	const prefix = "media/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}
