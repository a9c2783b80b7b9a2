// Package faststore holds the Redis-backed ephemeral state: album assembly
// records, budget counters, the crawl seen-set and consumer idempotency keys.
package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/telegram-assistant/internal/events"
)

const albumKeyPrefix = "album:state:"

// casAttempts bounds the optimistic-concurrency retry loop.
const casAttempts = 5

// ErrCASExhausted is returned when the WATCH/MULTI loop keeps losing races.
var ErrCASExhausted = errors.New("faststore: cas retries exhausted")

// AlbumState is the per-album assembly record. It lives under
// album:state:{group_id} and is mutated only inside a WATCH transaction.
type AlbumState struct {
	GroupID       string                         `json:"group_id"`
	TenantID      string                         `json:"tenant_id"`
	ChannelID     int64                          `json:"channel_id"`
	GroupedID     int64                          `json:"grouped_id"`
	ExpectedItems int                            `json:"expected_items"`
	Received      map[string]events.VisionResult `json:"received"`
	CreatedAt     time.Time                      `json:"created_at"`
	AssembledAt   *time.Time                     `json:"assembled_at,omitempty"`
}

// Complete reports whether every expected item has a vision result.
func (s *AlbumState) Complete() bool {
	return s.ExpectedItems > 0 && len(s.Received) >= s.ExpectedItems
}

// AlbumStates manages assembly records.
type AlbumStates struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewAlbumStates wraps the client. ttl is the assembly TTL; the Redis key
// expiry is set to twice that so the expiry sweeper can still observe and
// report records that ran out, instead of having Redis silently drop them.
func NewAlbumStates(rdb redis.UniversalClient, ttl time.Duration) *AlbumStates {
	return &AlbumStates{rdb: rdb, ttl: ttl, now: time.Now}
}

func albumKey(groupID string) string { return albumKeyPrefix + groupID }

// Sight records an albums.parsed sighting: creates the record if missing and
// raises expected_items when a later sighting reports a larger count (albums
// grow across ingest batches, never shrink).
func (a *AlbumStates) Sight(ctx context.Context, ev events.AlbumParsed) (AlbumState, error) {
	var out AlbumState
	err := a.cas(ctx, ev.GroupID, func(cur *AlbumState) (*AlbumState, error) {
		if cur == nil {
			cur = &AlbumState{
				GroupID:       ev.GroupID,
				TenantID:      ev.TenantID,
				ChannelID:     ev.ChannelID,
				GroupedID:     ev.GroupedID,
				ExpectedItems: ev.ItemsCount,
				Received:      map[string]events.VisionResult{},
				CreatedAt:     a.now().UTC(),
			}
		} else if ev.ItemsCount > cur.ExpectedItems {
			cur.ExpectedItems = ev.ItemsCount
		}
		out = *cur
		return cur, nil
	})
	return out, err
}

// AddVision records one post's vision result. completedNow is true for
// exactly the call that transitions the album to assembled: two consumers
// landing the last two results race on the WATCH, and only the winner of the
// final transition observes the assembled_at flip.
func (a *AlbumStates) AddVision(ctx context.Context, groupID, postID string, vr events.VisionResult) (AlbumState, bool, error) {
	var (
		out       AlbumState
		completed bool
	)
	err := a.cas(ctx, groupID, func(cur *AlbumState) (*AlbumState, error) {
		if cur == nil {
			// Vision outran albums.parsed; park the result under a minimal
			// record so it still counts once the sighting arrives.
			cur = &AlbumState{
				GroupID:   groupID,
				Received:  map[string]events.VisionResult{},
				CreatedAt: a.now().UTC(),
			}
		}
		if cur.Received == nil {
			cur.Received = map[string]events.VisionResult{}
		}
		cur.Received[postID] = vr
		if cur.Complete() && cur.AssembledAt == nil {
			ts := a.now().UTC()
			cur.AssembledAt = &ts
			completed = true
		}
		out = *cur
		return cur, nil
	})
	return out, completed, err
}

// TryAssemble flips the assembled_at sentinel when the album is complete and
// not yet assembled. Exactly one caller observes flipped == true; the WATCH
// serializes racing consumers. It covers the ordering where the final
// sighting (not a vision result) completes the picture.
func (a *AlbumStates) TryAssemble(ctx context.Context, groupID string) (AlbumState, bool, error) {
	var (
		out     AlbumState
		flipped bool
	)
	err := a.cas(ctx, groupID, func(cur *AlbumState) (*AlbumState, error) {
		if cur == nil {
			return nil, fmt.Errorf("album state %s missing", groupID)
		}
		if cur.Complete() && cur.AssembledAt == nil {
			ts := a.now().UTC()
			cur.AssembledAt = &ts
			flipped = true
		}
		out = *cur
		return cur, nil
	})
	return out, flipped, err
}

// ClearAssembled reverts the assembled_at sentinel so a redelivered event
// can win the flip again. Called when assembly fails after the flip; the
// record is known to still exist because deletion only follows a successful
// publish.
func (a *AlbumStates) ClearAssembled(ctx context.Context, groupID string) error {
	return a.cas(ctx, groupID, func(cur *AlbumState) (*AlbumState, error) {
		if cur == nil {
			return nil, fmt.Errorf("album state %s missing", groupID)
		}
		cur.AssembledAt = nil
		return cur, nil
	})
}

// Get loads a record; found is false when none exists.
func (a *AlbumStates) Get(ctx context.Context, groupID string) (AlbumState, bool, error) {
	raw, err := a.rdb.Get(ctx, albumKey(groupID)).Result()
	if err == redis.Nil {
		return AlbumState{}, false, nil
	}
	if err != nil {
		return AlbumState{}, false, err
	}
	var st AlbumState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return AlbumState{}, false, fmt.Errorf("decode album state %s: %w", groupID, err)
	}
	return st, true, nil
}

// Delete removes a record after assembly or expiry.
func (a *AlbumStates) Delete(ctx context.Context, groupID string) error {
	return a.rdb.Del(ctx, albumKey(groupID)).Err()
}

// Expired scans for records whose assembly TTL ran out without completing.
func (a *AlbumStates) Expired(ctx context.Context) ([]AlbumState, error) {
	var out []AlbumState
	deadline := a.now().UTC().Add(-a.ttl)
	iter := a.rdb.Scan(ctx, 0, albumKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := a.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st AlbumState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue // malformed record, leave for the key TTL to reap
		}
		if st.AssembledAt == nil && st.CreatedAt.Before(deadline) {
			out = append(out, st)
		}
	}
	return out, iter.Err()
}

// cas runs modify under WATCH on the album key and retries on races.
// modify receives nil when no record exists and returns the new value.
func (a *AlbumStates) cas(ctx context.Context, groupID string, modify func(*AlbumState) (*AlbumState, error)) error {
	key := albumKey(groupID)
	for i := 0; i < casAttempts; i++ {
		err := a.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var cur *AlbumState
			raw, err := tx.Get(ctx, key).Result()
			switch {
			case err == redis.Nil:
			case err != nil:
				return err
			default:
				cur = &AlbumState{}
				if err := json.Unmarshal([]byte(raw), cur); err != nil {
					return fmt.Errorf("decode album state %s: %w", groupID, err)
				}
			}
			next, err := modify(cur)
			if err != nil {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, 2*a.ttl)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrCASExhausted
}
