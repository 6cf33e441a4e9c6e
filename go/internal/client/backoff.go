package client

import "time"

// backoff computes the polling interval under failure: each consecutive
// failure grows the interval multiplicatively up to a ceiling, and the first
// success resets it to the base.
type backoff struct {
	base    time.Duration
	factor  float64
	ceiling time.Duration

	current time.Duration
}

func newBackoff(base time.Duration, factor float64, ceiling time.Duration) *backoff {
	return &backoff{base: base, factor: factor, ceiling: ceiling, current: base}
}

// Next returns the interval to wait before the next attempt and advances the
// schedule.
func (b *backoff) Next() time.Duration {
	d := b.current
	grown := time.Duration(float64(b.current) * b.factor)
	if grown > b.ceiling {
		grown = b.ceiling
	}
	b.current = grown
	return d
}

// Reset returns the schedule to the base interval.
func (b *backoff) Reset() {
	b.current = b.base
}

// Interval reports the current interval without advancing.
func (b *backoff) Interval() time.Duration {
	return b.current
}
