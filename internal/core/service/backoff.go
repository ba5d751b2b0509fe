package service

import "time"

// backoff produces exponentially growing delays capped at a maximum. It is
// used between provisioning attempts; a successful start resets it.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// Next returns the delay for the current attempt and advances the counter
// until the cap is reached.
func (b *backoff) Next() time.Duration {
	delay := b.base << uint(b.attempt)
	if delay > b.max || delay <= 0 {
		return b.max
	}
	b.attempt++
	return delay
}

// Reset restarts the sequence at the base delay.
func (b *backoff) Reset() {
	b.attempt = 0
}
