package model

import (
	"fmt"
	"time"
)

// Interval is a candle resolution.
type Interval string

const (
	Interval1s Interval = "1s"
	Interval1m Interval = "1m"
	Interval1h Interval = "1h"
)

// Intervals returns all supported resolutions, smallest first.
func Intervals() []Interval {
	return []Interval{Interval1s, Interval1m, Interval1h}
}

// ParseInterval validates a client-supplied interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Interval1s, Interval1m, Interval1h:
		return Interval(s), nil
	}
	return "", fmt.Errorf("invalid interval %q (want 1s, 1m or 1h)", s)
}

// Duration returns the bucket width.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case Interval1s:
		return time.Second
	case Interval1m:
		return time.Minute
	case Interval1h:
		return time.Hour
	}
	return 0
}

// Truncate returns the bucket open time covering t: the UTC instant truncated
// to the interval boundary. Buckets are always computed in UTC regardless of
// the process timezone.
func (iv Interval) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(iv.Duration())
}

// TruncField returns the Postgres date_trunc field for this interval.
func (iv Interval) TruncField() string {
	switch iv {
	case Interval1s:
		return "second"
	case Interval1m:
		return "minute"
	case Interval1h:
		return "hour"
	}
	return ""
}
