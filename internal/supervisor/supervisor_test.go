package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxAttempts int) RestartPolicy {
	return RestartPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		JitterRatio: 0.2,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSupervisor_RestartsFailingTask(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New()
	s.Register("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastPolicy(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	waitFor(t, func() bool {
		return s.Health().Tasks["flaky"].State == StateCompleted
	})
	h := s.Health().Tasks["flaky"]
	assert.Equal(t, 2, h.RestartCount)
}

func TestSupervisor_MarksFailedAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	s := New()
	s.Register("doomed", func(ctx context.Context) error {
		return errors.New("always")
	}, fastPolicy(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	waitFor(t, func() bool {
		return s.Health().Tasks["doomed"].State == StateFailed
	})
	h := s.Health().Tasks["doomed"]
	assert.Equal(t, "always", h.LastError)
	assert.Equal(t, 2, h.RestartCount)
}

func TestSupervisor_RecoversPanics(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New()
	s.Register("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("unexpected state")
		}
		return nil
	}, fastPolicy(5))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	waitFor(t, func() bool {
		return s.Health().Tasks["panicky"].State == StateCompleted
	})
}

func TestSupervisor_StopCancelsTasks(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	s := New()
	s.Register("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, fastPolicy(3))

	s.Start(context.Background())
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.Equal(t, StateStopped, s.Health().Tasks["long"].State)
}

func TestSupervisor_HealthAggregation(t *testing.T) {
	t.Parallel()
	s := New()
	s.Register("runner", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, fastPolicy(3))
	s.Register("dead", func(ctx context.Context) error {
		return errors.New("broken")
	}, fastPolicy(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	waitFor(t, func() bool {
		rep := s.Health()
		return rep.Tasks["dead"].State == StateFailed &&
			rep.Tasks["runner"].State == StateRunning
	})
	assert.Equal(t, Degraded, s.Health().Status)
}

func TestRestartPolicy_DelayBounds(t *testing.T) {
	t.Parallel()
	p := RestartPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		JitterRatio: 0.2,
		MaxAttempts: 10,
	}
	for attempt := 0; attempt < 8; attempt++ {
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(time.Second)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(10*time.Second)*1.2))
	}
}
