// Package bus implements the event bus on Redis Streams: append-only
// publish, consumer groups with pending-entry claim and explicit ack, and
// per-stream dead-letter sidecars.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
	"github.com/ilyasni/telegram-assistant/internal/observability"
)

const (
	streamPrefix = "stream:"
	dlqSuffix    = ".dlq"

	publishAttempts = 3
	publishBaseWait = 100 * time.Millisecond
)

// StreamKey maps a logical stream name to its Redis key.
func StreamKey(name string) string { return streamPrefix + name }

// DLQKey maps a logical stream name to its dead-letter sidecar key.
func DLQKey(name string) string { return StreamKey(name) + dlqSuffix }

// Entry field names on the wire.
const (
	fieldSchemaVersion  = "schema_version"
	fieldIdempotencyKey = "idempotency_key"
	fieldTraceID        = "trace_id"
	fieldTenantID       = "tenant_id"
	fieldOccurredAt     = "occurred_at"
	fieldPayload        = "payload"
)

// Publisher is the publish side of the bus. Pipeline stages depend on it
// rather than on Bus so tests can substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, stream string, env events.Envelope, payload any) (string, error)
}

// Bus publishes entries and builds consumers. Safe for concurrent use.
type Bus struct {
	rdb redis.UniversalClient
}

var _ Publisher = (*Bus)(nil)

// New wraps an existing Redis client. The caller owns the client's lifetime.
func New(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb}
}

// Publish appends one entry to stream. The envelope's zero fields are filled
// in (schema version, occurred_at, trace id from ctx). Transient append
// failures are retried locally with exponential backoff, each wait jittered
// to 0.5-1.5 times the doubling base;
// after the attempt budget a DLQ record is written best-effort and a
// publish_failed fault is returned.
func (b *Bus) Publish(ctx context.Context, stream string, env events.Envelope, payload any) (string, error) {
	if env.SchemaVersion == 0 {
		env.SchemaVersion = events.SchemaVersion
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.TraceID == "" {
		env.TraceID = observability.TraceID(ctx)
	}
	if err := env.Validate(); err != nil {
		return "", faults.BadInput("bad_envelope", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", faults.BadInput("encode_payload", err)
	}

	values := map[string]any{
		fieldSchemaVersion:  env.SchemaVersion,
		fieldIdempotencyKey: env.IdempotencyKey,
		fieldTraceID:        env.TraceID,
		fieldOccurredAt:     env.OccurredAt.Format(time.RFC3339Nano),
		fieldPayload:        string(body),
	}
	if env.TenantID != "" {
		values[fieldTenantID] = env.TenantID
	}

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepJitter(ctx, publishBaseWait<<uint(attempt-1)); err != nil {
				return "", err
			}
		}
		id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamKey(stream),
			Values: values,
		}).Result()
		if err == nil {
			metrics.EventsPublished.WithLabelValues(stream, "ok").Inc()
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	metrics.EventsPublished.WithLabelValues(stream, "error").Inc()
	b.publishDLQ(ctx, stream, string(body), "publish_failed", publishAttempts)
	return "", faults.Transientf("publish_failed", lastErr)
}

// PublishDLQ writes a dead-letter record for base stream. Failures are
// logged, never propagated: dead-lettering must not take down the consumer.
func (b *Bus) PublishDLQ(ctx context.Context, stream, payload, errorCode string, attempts int) {
	b.publishDLQ(ctx, stream, payload, errorCode, attempts)
}

func (b *Bus) publishDLQ(ctx context.Context, stream, payload, errorCode string, attempts int) {
	snippet := payload
	if len(snippet) > 2048 {
		snippet = snippet[:2048]
	}
	rec := events.DLQEvent{
		BaseEvent:      stream,
		PayloadSnippet: snippet,
		ErrorCode:      errorCode,
		Attempts:       attempts,
		NextRetryAt:    time.Now().UTC().Add(time.Hour),
	}
	body, _ := json.Marshal(rec)
	// DLQ entries carry a full envelope so the operator-side consumer can
	// treat them like any other stream.
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQKey(stream),
		Values: map[string]any{
			fieldSchemaVersion:  events.SchemaVersion,
			fieldIdempotencyKey: events.IdempotencyKey(stream+dlqSuffix, snippet, errorCode),
			fieldTraceID:        observability.TraceID(ctx),
			fieldOccurredAt:     time.Now().UTC().Format(time.RFC3339Nano),
			fieldPayload:        string(body),
		},
	}).Err()
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).
			Str("stream", stream).Str("error_code", errorCode).
			Msg("dlq_publish_failed")
		return
	}
	metrics.DLQWritten.WithLabelValues(stream, errorCode).Inc()
}

// DLQLen returns the backlog length of a stream's DLQ sidecar.
func (b *Bus) DLQLen(ctx context.Context, stream string) (int64, error) {
	return b.rdb.XLen(ctx, DLQKey(stream)).Result()
}

// sleepJitter waits d * (0.5..1.5) or until ctx is done.
func sleepJitter(ctx context.Context, d time.Duration) error {
	jittered := d/2 + time.Duration(rand.Int63n(int64(d)))
	t := time.NewTimer(jittered)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// decodeDelivery converts raw stream values into a Delivery.
func decodeDelivery(stream, id string, values map[string]any, deliveryCount int64) (Delivery, error) {
	d := Delivery{ID: id, Stream: stream, DeliveryCount: deliveryCount}
	get := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return ""
	}
	if v := get(fieldSchemaVersion); v != "" {
		_, err := fmt.Sscanf(v, "%d", &d.Envelope.SchemaVersion)
		if err != nil {
			return d, fmt.Errorf("entry %s: schema_version %q", id, v)
		}
	}
	d.Envelope.IdempotencyKey = get(fieldIdempotencyKey)
	d.Envelope.TraceID = get(fieldTraceID)
	d.Envelope.TenantID = get(fieldTenantID)
	if v := get(fieldOccurredAt); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return d, fmt.Errorf("entry %s: occurred_at %q", id, v)
		}
		d.Envelope.OccurredAt = ts
	}
	d.Payload = []byte(get(fieldPayload))
	if err := d.Envelope.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
