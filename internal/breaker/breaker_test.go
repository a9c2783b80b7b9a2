package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := New("test", threshold, recovery)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, b.Allow(), "call %d should pass while closed", i)
		b.Failure()
	}
	// Threshold reached: calls short-circuit.
	assert.False(t, b.Allow())

	err := b.Do(func() error { t.Fatal("must not be called"); return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	// Only two consecutive failures since the success.
	assert.True(t, b.Allow())
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(2, time.Minute)

	b.Failure()
	b.Failure()
	require.False(t, b.Allow())

	// Recovery window elapses: exactly one probe is admitted.
	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "second caller must wait for the probe")

	b.Success()
	assert.True(t, b.Allow(), "closed after successful probe")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(2, time.Minute)

	b.Failure()
	b.Failure()
	*now = now.Add(61 * time.Second)
	require.True(t, b.Allow())
	b.Failure()

	assert.False(t, b.Allow(), "failed probe reopens immediately")

	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow(), "new probe after another recovery window")
}

func TestBreaker_DoPassesResultThrough(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	require.NoError(t, b.Do(func() error { return nil }))
	wantErr := errors.New("provider 503")
	assert.ErrorIs(t, b.Do(func() error { return wantErr }), wantErr)
}
