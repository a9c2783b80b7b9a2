package tasks

import (
	"context"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/observability"
)

type episodePurger interface {
	PurgeEpisodes(ctx context.Context, retentionDays int) (int64, error)
}

// RetentionPurge trims episodic_memory to the configured retention window.
type RetentionPurge struct {
	ops           episodePurger
	retentionDays int
	interval      time.Duration
}

// NewRetentionPurge wires the task.
func NewRetentionPurge(ops episodePurger, retentionDays int, interval time.Duration) *RetentionPurge {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionPurge{ops: ops, retentionDays: retentionDays, interval: interval}
}

// Run purges on the interval until cancelled.
func (r *RetentionPurge) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.ops.PurgeEpisodes(ctx, r.retentionDays)
			if err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("episodic_purge_failed")
				continue
			}
			if n > 0 {
				observability.LoggerWithTrace(ctx).Info().Int64("purged", n).Msg("episodic_purge")
			}
		}
	}
}
