package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
)

// Outbox carries events across the persistence/publish boundary: rows are
// written inside the saver's transaction and published by the relay task
// after commit, so an event can never exist without its rows.
type Outbox struct {
	pool *pgxpool.Pool
}

// NewOutbox wraps the pool.
func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// OutboxRow is one pending event.
type OutboxRow struct {
	ID       int64
	Stream   string
	Envelope events.Envelope
	Payload  json.RawMessage
}

// addInTx inserts one event row inside the caller's transaction. Replayed
// batches collide on the idempotency key and insert nothing.
func (o *Outbox) addInTx(ctx context.Context, tx pgx.Tx, stream string, env events.Envelope, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.BadInput("encode_outbox", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (stream, idempotency_key, tenant_id, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		stream, env.IdempotencyKey, nullStr(env.TenantID), nullStr(env.TraceID), body)
	if err != nil {
		return faults.Transientf("insert_outbox", err)
	}
	return nil
}

// Pending returns up to limit unpublished rows in insertion order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, stream, idempotency_key, COALESCE(tenant_id, ''), COALESCE(trace_id, ''),
		       payload, created_at
		FROM event_outbox WHERE published_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, faults.Transientf("outbox_pending", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var (
			r       OutboxRow
			created time.Time
		)
		if err := rows.Scan(&r.ID, &r.Stream, &r.Envelope.IdempotencyKey,
			&r.Envelope.TenantID, &r.Envelope.TraceID, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.Envelope.SchemaVersion = events.SchemaVersion
		r.Envelope.OccurredAt = created.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPublished stamps rows as delivered.
func (o *Outbox) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx,
		`UPDATE event_outbox SET published_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return faults.Transientf("outbox_mark", err)
	}
	return nil
}

// PendingCount feeds the backlog gauge.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := o.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
