// Package backoff provides capped exponential delays with jitter for
// reconnect and poll-retry loops.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff produces an exponentially growing delay, capped at Max, with up to
// 20% random jitter. Zero values select the defaults.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// New returns a Backoff starting at initial and capped at max.
func New(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, Multiplier: 2.0}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2.0
	}
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current = time.Duration(float64(b.current) * b.Multiplier)
		if b.current > b.Max {
			b.current = b.Max
		}
	}
	jitter := time.Duration(rand.Int63n(int64(b.current)/5 + 1))
	return b.current + jitter
}

// Reset restarts the schedule after a success.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep waits for the next delay or until ctx is cancelled. Returns false on
// cancellation.
func (b *Backoff) Sleep(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
