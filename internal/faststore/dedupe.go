package faststore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedupe stores first-seen markers for idempotency keys and crawl dedup
// hashes. A value travels with the marker so the crawl path can return the
// cached artifact key on a repeat.
type Dedupe struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewDedupe builds a marker set under prefix with the given retention.
func NewDedupe(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Dedupe {
	return &Dedupe{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (d *Dedupe) key(k string) string { return d.prefix + ":" + k }

// FirstSeen atomically records key→value and reports whether this call was
// the first writer. A false return means the key was already marked.
func (d *Dedupe) FirstSeen(ctx context.Context, key, value string) (bool, error) {
	return d.rdb.SetNX(ctx, d.key(key), value, d.ttl).Result()
}

// Lookup returns the stored value for key, or "" when the key is unseen.
func (d *Dedupe) Lookup(ctx context.Context, key string) (string, error) {
	val, err := d.rdb.Get(ctx, d.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}
