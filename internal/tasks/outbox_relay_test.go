package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/store"
)

type fakeOutbox struct {
	rows   []store.OutboxRow
	marked []int64
}

func (f *fakeOutbox) Pending(_ context.Context, limit int) ([]store.OutboxRow, error) {
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeOutbox) MarkPublished(_ context.Context, ids []int64) error {
	f.marked = append(f.marked, ids...)
	return nil
}

func (f *fakeOutbox) PendingCount(context.Context) (int64, error) {
	return int64(len(f.rows) - len(f.marked)), nil
}

type fakePublisher struct {
	streams   []string
	failAfter int // fail every publish once this many succeeded; 0 disables
}

func (f *fakePublisher) Publish(_ context.Context, stream string, _ events.Envelope, _ any) (string, error) {
	if f.failAfter > 0 && len(f.streams) >= f.failAfter {
		return "", errors.New("redis down")
	}
	f.streams = append(f.streams, stream)
	return "1-0", nil
}

func outboxRow(id int64, stream string) store.OutboxRow {
	return store.OutboxRow{
		ID:     id,
		Stream: stream,
		Envelope: events.Envelope{
			SchemaVersion:  events.SchemaVersion,
			IdempotencyKey: "k",
		},
		Payload: json.RawMessage(`{"post_id":"p1"}`),
	}
}

func TestOutboxRelay_PublishesAndMarksInOrder(t *testing.T) {
	t.Parallel()
	outbox := &fakeOutbox{rows: []store.OutboxRow{
		outboxRow(1, events.StreamPostsParsed),
		outboxRow(2, events.StreamPostsParsed),
		outboxRow(3, events.StreamPostsParsed),
	}}
	pub := &fakePublisher{}
	relay := NewOutboxRelay(outbox, pub, 0)

	require.NoError(t, relay.relayOnce(context.Background()))
	assert.Len(t, pub.streams, 3)
	assert.Equal(t, []int64{1, 2, 3}, outbox.marked)
}

// A publish failure stops the pass so per-stream order is preserved; only
// the rows that actually reached the bus are marked.
func TestOutboxRelay_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	outbox := &fakeOutbox{rows: []store.OutboxRow{
		outboxRow(1, events.StreamPostsParsed),
		outboxRow(2, events.StreamPostsParsed),
		outboxRow(3, events.StreamPostsParsed),
	}}
	pub := &fakePublisher{failAfter: 1}
	relay := NewOutboxRelay(outbox, pub, 0)

	require.NoError(t, relay.relayOnce(context.Background()))
	assert.Equal(t, []int64{1}, outbox.marked, "rows after the failure stay pending")
}
