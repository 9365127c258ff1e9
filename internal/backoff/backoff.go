// Package backoff provides the reconnect delay policy: a deterministic
// doubling duration counter with a saturation ceiling.
package backoff

import "time"

// Backoff is a time.Duration counter starting at Min. Every call to Next
// returns the current delay and doubles it, never exceeding Max. Reset
// returns the counter to Min.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempts int
	delay    time.Duration
}

// New creates a backoff counter over [min, max].
func New(min, max time.Duration) Backoff {
	return Backoff{Min: min, Max: max, delay: min}
}

// Next returns the delay to wait before the current attempt and advances
// the counter.
func (b *Backoff) Next() time.Duration {
	if b.delay == 0 {
		b.delay = b.Min
	}

	d := b.delay
	b.attempts++

	b.delay *= 2
	if b.delay > b.Max {
		b.delay = b.Max
	}

	return d
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns the counter to its base delay.
func (b *Backoff) Reset() {
	b.delay = b.Min
	b.attempts = 0
}
