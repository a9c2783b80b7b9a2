package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Transient, KindOf(Transientf("db", errors.New("deadlock"))))
	assert.Equal(t, PermanentInput, KindOf(BadInput("shape", errors.New("missing field"))))
	assert.Equal(t, PolicyDenied, KindOf(Denied("quota_exceeded")))
	assert.Equal(t, Cancelled, KindOf(context.Canceled))
	assert.Equal(t, Cancelled, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))

	// Unclassified errors stay on the retry path.
	assert.Equal(t, Transient, KindOf(errors.New("mystery")))
}

func TestKindOf_WrappedFault(t *testing.T) {
	t.Parallel()
	inner := Denied("ssrf_denied")
	wrapped := fmt.Errorf("crawl: %w", inner)
	assert.Equal(t, PolicyDenied, KindOf(wrapped))
	assert.Equal(t, "ssrf_denied", CodeOf(wrapped))
}

func TestCodeOf_Default(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "internal", CodeOf(errors.New("anonymous")))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRetryable(Transientf("net", errors.New("timeout"))))
	assert.True(t, IsRetryable(Unavailable("provider", errors.New("503"))))
	assert.False(t, IsRetryable(BadInput("shape", nil)))
	assert.False(t, IsRetryable(Denied("quota")))
	assert.False(t, IsRetryable(Integrity("conflict", nil)))
}
