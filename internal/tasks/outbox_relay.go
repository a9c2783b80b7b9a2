// Package tasks holds the supervisor-managed maintenance loops: the outbox
// relay, the storage quota sweep, the DLQ persister and the episodic memory
// purge.
package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

type outboxSource interface {
	Pending(ctx context.Context, limit int) ([]store.OutboxRow, error)
	MarkPublished(ctx context.Context, ids []int64) error
	PendingCount(ctx context.Context) (int64, error)
}

// OutboxRelay publishes event rows the ingest transaction committed but the
// bus has not seen yet. It is the sole publisher of outbox rows; a crash
// between publish and mark replays the row, and consumer-side idempotency
// keys absorb the duplicate.
type OutboxRelay struct {
	outbox   outboxSource
	bus      bus.Publisher
	interval time.Duration
}

// NewOutboxRelay wires the task.
func NewOutboxRelay(outbox outboxSource, b bus.Publisher, interval time.Duration) *OutboxRelay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &OutboxRelay{outbox: outbox, bus: b, interval: interval}
}

// Run drains pending rows until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.relayOnce(ctx); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("outbox_relay_failed")
			}
		}
	}
}

func (r *OutboxRelay) relayOnce(ctx context.Context) error {
	rows, err := r.outbox.Pending(ctx, 100)
	if err != nil {
		return err
	}
	var published []int64
	for _, row := range rows {
		var payload json.RawMessage = row.Payload
		if _, err := r.bus.Publish(ctx, row.Stream, row.Envelope, payload); err != nil {
			// Stop at the first failure to preserve per-stream order.
			break
		}
		published = append(published, row.ID)
	}
	if err := r.outbox.MarkPublished(ctx, published); err != nil {
		return err
	}
	if n, err := r.outbox.PendingCount(ctx); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	return nil
}
