package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKeys(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "stream:posts.parsed", StreamKey("posts.parsed"))
	assert.Equal(t, "stream:posts.parsed.dlq", DLQKey("posts.parsed"))
}

func TestDecodeDelivery(t *testing.T) {
	t.Parallel()
	occurred := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	values := map[string]any{
		"schema_version":  "1",
		"idempotency_key": "abc123",
		"trace_id":        "trace-9",
		"tenant_id":       "t1",
		"occurred_at":     occurred.Format(time.RFC3339Nano),
		"payload":         `{"post_id":"p1"}`,
	}

	d, err := decodeDelivery("posts.parsed", "1-0", values, 2)
	require.NoError(t, err)

	assert.Equal(t, "1-0", d.ID)
	assert.Equal(t, "posts.parsed", d.Stream)
	assert.Equal(t, int64(2), d.DeliveryCount)
	assert.Equal(t, 1, d.Envelope.SchemaVersion)
	assert.Equal(t, "abc123", d.Envelope.IdempotencyKey)
	assert.Equal(t, "trace-9", d.Envelope.TraceID)
	assert.Equal(t, "t1", d.Envelope.TenantID)
	assert.True(t, occurred.Equal(d.Envelope.OccurredAt))
	assert.JSONEq(t, `{"post_id":"p1"}`, string(d.Payload))
}

func TestDecodeDelivery_RejectsMalformedEntries(t *testing.T) {
	t.Parallel()

	// Missing idempotency key.
	_, err := decodeDelivery("s", "1-0", map[string]any{
		"schema_version": "1",
		"occurred_at":    time.Now().Format(time.RFC3339Nano),
		"payload":        "{}",
	}, 1)
	assert.Error(t, err)

	// Garbage timestamp.
	_, err = decodeDelivery("s", "1-0", map[string]any{
		"schema_version":  "1",
		"idempotency_key": "k",
		"occurred_at":     "yesterday-ish",
		"payload":         "{}",
	}, 1)
	assert.Error(t, err)
}
