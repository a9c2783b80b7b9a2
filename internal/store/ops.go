package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// Ops persists the operator-facing side tables: dead-lettered events and the
// episodic run/error/retry log.
type Ops struct {
	pool *pgxpool.Pool
}

// NewOps wraps the pool.
func NewOps(pool *pgxpool.Pool) *Ops {
	return &Ops{pool: pool}
}

// RecordDLQ lands a dead-lettered event in dlq_events for replay tooling.
func (o *Ops) RecordDLQ(ctx context.Context, ev events.DLQEvent) error {
	_, err := o.pool.Exec(ctx, `
		INSERT INTO dlq_events (base_event, payload_snippet, error_code, attempts, next_retry_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.BaseEvent, ev.PayloadSnippet, ev.ErrorCode, ev.Attempts, nullTime(ev.NextRetryAt))
	if err != nil {
		return faults.Transientf("record_dlq", err)
	}
	return nil
}

// RecordEpisode appends a high-level run/error/retry record.
func (o *Ops) RecordEpisode(ctx context.Context, kind, component string, detail any, traceID string) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return faults.BadInput("encode_episode", err)
	}
	_, err = o.pool.Exec(ctx, `
		INSERT INTO episodic_memory (kind, component, detail, trace_id)
		VALUES ($1, $2, $3, $4)`,
		kind, component, body, nullStr(traceID))
	if err != nil {
		return faults.Transientf("record_episode", err)
	}
	return nil
}

// PurgeEpisodes enforces the retention window; returns rows removed.
func (o *Ops) PurgeEpisodes(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := o.pool.Exec(ctx,
		`DELETE FROM episodic_memory WHERE occurred_at < NOW() - make_interval(days => $1)`,
		retentionDays)
	if err != nil {
		return 0, faults.Transientf("purge_episodes", err)
	}
	return tag.RowsAffected(), nil
}
