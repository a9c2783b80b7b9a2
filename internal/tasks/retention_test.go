package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePurger struct {
	calls atomic.Int32
	days  atomic.Int32
}

func (f *fakePurger) PurgeEpisodes(_ context.Context, retentionDays int) (int64, error) {
	f.calls.Add(1)
	f.days.Store(int32(retentionDays))
	return 3, nil
}

func TestRetentionPurge_PurgesOnInterval(t *testing.T) {
	t.Parallel()
	purger := &fakePurger{}
	purge := NewRetentionPurge(purger, 30, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- purge.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for purger.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.GreaterOrEqual(t, purger.calls.Load(), int32(2))
	assert.Equal(t, int32(30), purger.days.Load())
}
