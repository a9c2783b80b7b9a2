package faststore

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const usageKeyPrefix = "storage:usage:"

// Usage caches per-tenant object storage byte counts. The cache is advisory;
// the quota sweep reconciles it against the bucket listing, so drift between
// sweeps is bounded by upload volume.
type Usage struct {
	rdb redis.UniversalClient
}

// NewUsage wraps the client.
func NewUsage(rdb redis.UniversalClient) *Usage {
	return &Usage{rdb: rdb}
}

// Bytes returns the cached usage for tenant (0 when unknown).
func (u *Usage) Bytes(ctx context.Context, tenant string) (int64, error) {
	raw, err := u.rdb.Get(ctx, usageKeyPrefix+tenant).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n, nil
}

// Add shifts the cached usage by delta (negative on delete).
func (u *Usage) Add(ctx context.Context, tenant string, delta int64) error {
	return u.rdb.IncrBy(ctx, usageKeyPrefix+tenant, delta).Err()
}

// Set overwrites the cached usage with a reconciled value.
func (u *Usage) Set(ctx context.Context, tenant string, bytes int64) error {
	return u.rdb.Set(ctx, usageKeyPrefix+tenant, bytes, 0).Err()
}
