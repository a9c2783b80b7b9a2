// Package breaker implements a per-provider circuit breaker. Closed passes
// calls through and counts consecutive failures; open short-circuits until
// the recovery window elapses; half-open lets one probe through and closes
// on success.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/ilyasni/telegram-assistant/internal/metrics"
)

// ErrOpen is returned when the breaker refuses the call. Callers route to
// their fallback path (OCR for vision, skip for crawl).
var ErrOpen = errors.New("circuit breaker open")

type state int

const (
	closed state = iota
	halfOpen
	open
)

// Breaker guards one external provider. Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
	probing  bool
}

// New builds a breaker that opens after threshold consecutive failures and
// probes again after recovery.
func New(name string, threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = time.Minute
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case closed:
		return true
	case open:
		if b.now().Sub(b.openedAt) >= b.recovery {
			b.toState(halfOpen)
			b.probing = true
			return true
		}
		return false
	default: // halfOpen
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != closed {
		b.toState(closed)
	}
}

// Failure records a failed call; the threshold'th consecutive failure opens
// the breaker, and any failure in half-open reopens it.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == halfOpen {
		b.openedAt = b.now()
		b.toState(open)
		return
	}
	b.failures++
	if b.failures >= b.threshold && b.state == closed {
		b.openedAt = b.now()
		b.toState(open)
	}
}

// Do runs fn under the breaker, returning ErrOpen without calling it when
// the breaker refuses.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) toState(s state) {
	b.state = s
	if s == closed {
		b.failures = 0
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}
