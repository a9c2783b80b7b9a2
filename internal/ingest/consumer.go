// Package ingest adapts the upstream Telegram client's raw batches into the
// pipeline: the batch consumer persists them through the atomic saver, and
// the dispatcher fans freshly parsed posts out to the vision and album
// stages.
package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/observability"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

// StreamBatches is the internal input stream the Telegram client appends
// raw batches to. It is an ingest implementation detail, not part of the
// inter-stage contract.
const StreamBatches = "ingest.batches"

// Consumer persists raw batches.
type Consumer struct {
	saver *store.Ingest
}

// NewConsumer wires the batch consumer.
func NewConsumer(saver *store.Ingest) *Consumer {
	return &Consumer{saver: saver}
}

// Handle decodes and saves one batch. Subscription misses are policy skips;
// an unknown channel is a permanent input problem.
func (c *Consumer) Handle(ctx context.Context, d bus.Delivery) error {
	var batch store.IngestBatch
	if err := json.Unmarshal(d.Payload, &batch); err != nil {
		return faults.BadInput("decode_ingest_batch", err)
	}
	if batch.TraceID == "" {
		batch.TraceID = d.Envelope.TraceID
	}

	res, err := c.saver.SaveBatch(ctx, batch)
	switch {
	case err == nil:
		observability.LoggerWithTrace(ctx).Info().
			Int64("channel_id", res.ChannelID).
			Int("inserted", res.PostsInserted).
			Msg("ingest_batch_saved")
		return nil
	case errors.Is(err, store.ErrUserNotSubscribed),
		errors.Is(err, store.ErrSubscriptionInactive):
		return faults.Denied(err.Error())
	case errors.Is(err, store.ErrChannelNotFound):
		return faults.BadInput("channel_not_found", err)
	default:
		return err
	}
}
