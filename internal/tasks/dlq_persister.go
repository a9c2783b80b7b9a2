package tasks

import (
	"context"
	"encoding/json"

	"github.com/ilyasni/telegram-assistant/internal/bus"
	"github.com/ilyasni/telegram-assistant/internal/events"
	"github.com/ilyasni/telegram-assistant/internal/faults"
	"github.com/ilyasni/telegram-assistant/internal/metrics"
)

type dlqSink interface {
	RecordDLQ(ctx context.Context, ev events.DLQEvent) error
	RecordEpisode(ctx context.Context, kind, component string, detail any, traceID string) error
}

type backlogReader interface {
	DLQLen(ctx context.Context, stream string) (int64, error)
}

// DLQPersister drains one stream's DLQ sidecar into the dlq_events table so
// operators can inspect and replay, and keeps the backlog gauge honest.
type DLQPersister struct {
	ops    dlqSink
	bus    backlogReader
	stream string // base stream name, without the .dlq suffix
}

// NewDLQPersister wires the task for one base stream.
func NewDLQPersister(ops dlqSink, b backlogReader, stream string) *DLQPersister {
	return &DLQPersister{ops: ops, bus: b, stream: stream}
}

// Stream returns the DLQ stream this persister consumes.
func (p *DLQPersister) Stream() string { return p.stream + ".dlq" }

// Handle lands one dead-lettered record.
func (p *DLQPersister) Handle(ctx context.Context, d bus.Delivery) error {
	var rec events.DLQEvent
	if err := json.Unmarshal(d.Payload, &rec); err != nil {
		return faults.BadInput("decode_dlq_event", err)
	}
	if err := p.ops.RecordDLQ(ctx, rec); err != nil {
		return err
	}
	if n, err := p.bus.DLQLen(ctx, p.stream); err == nil {
		metrics.DLQDepth.WithLabelValues(p.stream).Set(float64(n))
	}
	return p.ops.RecordEpisode(ctx, "dlq", p.stream, rec, d.Envelope.TraceID)
}
