package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
)

// Delivery is one stream entry handed to a Handler.
type Delivery struct {
	ID            string
	Stream        string
	Envelope      events.Envelope
	Payload       []byte
	DeliveryCount int64
}

// Handler processes one delivery. The returned error's fault kind decides
// between ack, retry-by-claim and dead-letter.
type Handler func(ctx context.Context, d Delivery) error

// ConsumerOptions tune one consumer instance.
type ConsumerOptions struct {
	Group         string
	Consumer      string
	ClaimMinIdle  time.Duration // pending entries older than this are claimed
	MaxDeliveries int64         // deliveries before dead-lettering
	Block         time.Duration // XREADGROUP block duration
	BufferSize    int           // bounded reader->processor channel
}

func (o *ConsumerOptions) defaults() {
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 60 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
}

// Consumer reads one stream on behalf of one group member.
type Consumer struct {
	bus     *Bus
	stream  string
	opts    ConsumerOptions
	handler Handler
}

// NewConsumer builds a consumer; Run does the work.
func (b *Bus) NewConsumer(stream string, opts ConsumerOptions, h Handler) *Consumer {
	opts.defaults()
	return &Consumer{bus: b, stream: stream, opts: opts, handler: h}
}

// Run consumes until ctx is cancelled. Each iteration first retries pending
// entries older than ClaimMinIdle, then reads new entries with ">". A bounded
// channel sits between the reader and the processor; when the processor falls
// behind, the reader blocks, which pauses log consumption.
//
// On cancellation the in-flight entry is finished (acked or dead-lettered)
// before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	entries := make(chan Delivery, c.opts.BufferSize)
	readerDone := make(chan error, 1)

	go func() {
		defer close(entries)
		readerDone <- c.readLoop(ctx, entries)
	}()

	for d := range entries {
		c.handle(ctx, d)
		if ctx.Err() != nil {
			break
		}
	}
	// Drain without processing so the reader goroutine can exit; unhandled
	// entries stay pending and are claimed after ClaimMinIdle.
	for range entries {
	}
	err := <-readerDone
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	// Start the group at 0 so a freshly deployed group drains the backlog.
	err := c.bus.rdb.XGroupCreateMkStream(ctx, StreamKey(c.stream), c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return faults.Transientf("group_create", err)
	}
	return nil
}

func (c *Consumer) readLoop(ctx context.Context, out chan<- Delivery) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.claimPending(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.LoggerWithTrace(ctx).Warn().Err(err).
				Str("stream", c.stream).Str("group", c.opts.Group).
				Msg("claim_pending_failed")
		}

		res, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{StreamKey(c.stream), ">"},
			Count:    16,
			Block:    c.opts.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // block timeout, no new entries
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.LoggerWithTrace(ctx).Warn().Err(err).
				Str("stream", c.stream).Msg("xreadgroup_failed")
			if err := sleepJitter(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				if !c.send(ctx, out, msg, 1) {
					return ctx.Err()
				}
			}
		}
	}
}

// claimPending transfers entries idle past ClaimMinIdle to this consumer.
// Entries already delivered MaxDeliveries times are dead-lettered directly.
func (c *Consumer) claimPending(ctx context.Context, out chan<- Delivery) error {
	pending, err := c.bus.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamKey(c.stream),
		Group:  c.opts.Group,
		Idle:   c.opts.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = p.RetryCount
	}

	claimed, err := c.bus.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamKey(c.stream),
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}
	metrics.EventsClaimed.WithLabelValues(c.stream, c.opts.Group).Add(float64(len(claimed)))

	for _, msg := range claimed {
		count := retries[msg.ID] // claim bumps the counter; XPending gave the pre-claim value
		if count >= c.opts.MaxDeliveries {
			c.deadLetter(ctx, msg.ID, string(payloadOf(msg.Values)), "transient_exhausted", count)
			continue
		}
		if !c.send(ctx, out, msg, count+1) {
			return ctx.Err()
		}
	}
	return nil
}

func (c *Consumer) send(ctx context.Context, out chan<- Delivery, msg redis.XMessage, count int64) bool {
	d, err := decodeDelivery(c.stream, msg.ID, msg.Values, count)
	if err != nil {
		// A malformed entry can never succeed; dead-letter it now.
		c.deadLetter(ctx, msg.ID, string(payloadOf(msg.Values)), "bad_input", count)
		return true
	}
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	hctx := observability.WithTraceID(ctx, d.Envelope.TraceID)
	start := time.Now()
	err := c.handler(hctx, d)
	metrics.HandleDuration.WithLabelValues(c.stream, c.opts.Group).
		Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch kind := faults.KindOf(err); {
	case err == nil:
		c.ack(d.ID)
	case kind == faults.Cancelled:
		// Shutdown interrupted the handler. Finish the entry before Run
		// returns rather than leave it pending; ack runs on a detached
		// context, and every handler is an idempotent upsert, so a
		// partially-processed entry cannot corrupt state.
		outcome = "cancelled"
		c.ack(d.ID)
	case kind == faults.PolicyDenied:
		outcome = "skipped"
		c.ack(d.ID)
	case kind == faults.PermanentInput, kind == faults.IntegrityViolation:
		outcome = "dlq"
		if kind == faults.IntegrityViolation {
			observability.LoggerWithTrace(hctx).Error().Err(err).
				Str("stream", c.stream).Str("entry", d.ID).
				Str("payload", string(d.Payload)).
				Msg("integrity_violation")
		}
		c.deadLetter(ctx, d.ID, string(d.Payload), faults.CodeOf(err), d.DeliveryCount)
	case d.DeliveryCount >= c.opts.MaxDeliveries:
		outcome = "dlq"
		c.deadLetter(ctx, d.ID, string(d.Payload), "transient_exhausted", d.DeliveryCount)
	default:
		// Retryable and under budget: leave pending for the claim cycle.
		outcome = "retry"
		observability.LoggerWithTrace(hctx).Warn().Err(err).
			Str("stream", c.stream).Str("entry", d.ID).
			Int64("delivery", d.DeliveryCount).
			Msg("handle_failed_will_retry")
	}
	metrics.EventsConsumed.WithLabelValues(c.stream, c.opts.Group, outcome).Inc()
}

// ack acknowledges with a detached context so shutdown cannot orphan an
// already-handled entry.
func (c *Consumer) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.rdb.XAck(ctx, StreamKey(c.stream), c.opts.Group, id).Err(); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).
			Str("stream", c.stream).Str("entry", id).Msg("ack_failed")
	}
}

// deadLetter writes the DLQ record, then acks the source entry. The order
// matters: a crash between the two redelivers, and the DLQ write is
// deduplicated downstream by idempotency key.
func (c *Consumer) deadLetter(ctx context.Context, id, payload, errorCode string, attempts int64) {
	c.bus.publishDLQ(ctx, c.stream, payload, errorCode, int(attempts))
	c.ack(id)
}

func payloadOf(values map[string]any) []byte {
	if v, ok := values[fieldPayload]; ok {
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return nil
}
