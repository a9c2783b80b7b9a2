package faststore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Budget is a windowed counter with an atomic increment and TTL, used for
// per-tenant vision tokens and per-tenant/per-domain crawl quotas. Windows
// are calendar-aligned (UTC day or hour) so all worker instances agree on
// the key.
type Budget struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewDailyBudget counts per UTC day.
func NewDailyBudget(rdb redis.UniversalClient, prefix string, limit int64) *Budget {
	return &Budget{rdb: rdb, prefix: prefix, limit: limit, window: 24 * time.Hour, now: time.Now}
}

// NewHourlyBudget counts per UTC hour.
func NewHourlyBudget(rdb redis.UniversalClient, prefix string, limit int64) *Budget {
	return &Budget{rdb: rdb, prefix: prefix, limit: limit, window: time.Hour, now: time.Now}
}

func (b *Budget) key(subject string) string {
	t := b.now().UTC()
	if b.window >= 24*time.Hour {
		return b.prefix + ":" + subject + ":" + t.Format("20060102")
	}
	return b.prefix + ":" + subject + ":" + t.Format("2006010215")
}

// Check reports whether est more units fit under the limit, and how many
// units remain. It reads the cached counter only; the authoritative update
// is Increment.
func (b *Budget) Check(ctx context.Context, subject string, est int64) (allowed bool, remaining int64, err error) {
	raw, err := b.rdb.Get(ctx, b.key(subject)).Result()
	used := int64(0)
	switch {
	case err == redis.Nil:
	case err != nil:
		return false, 0, err
	default:
		used, _ = strconv.ParseInt(raw, 10, 64)
	}
	remaining = b.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return used+est <= b.limit, remaining, nil
}

// Increment atomically adds used units and arms the window TTL on first
// write. The TTL is set only when absent so the window does not slide.
func (b *Budget) Increment(ctx context.Context, subject string, used int64) error {
	key := b.key(subject)
	pipe := b.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, used)
	pipe.ExpireNX(ctx, key, b.window+time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// Take is Check followed by Increment when allowed; a single helper for
// callers that reserve up front.
func (b *Budget) Take(ctx context.Context, subject string, units int64) (bool, error) {
	allowed, _, err := b.Check(ctx, subject, units)
	if err != nil || !allowed {
		return false, err
	}
	return true, b.Increment(ctx, subject, units)
}
