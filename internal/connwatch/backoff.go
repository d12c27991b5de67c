package connwatch

import (
	"sync"
	"time"
)

// Backoff produces capped exponential retry delays. Delays never
// decrease between resets: each call to [Backoff.Next] returns the
// current delay and grows the next one by Multiplier, clamped to
// MaxDelay. Safe for concurrent use.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	mult    float64
	next    time.Duration
	stable  time.Duration
}

// NewBackoff creates a Backoff from cfg. Zero-value fields fall back to
// [DefaultBackoffConfig].
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{
		initial: cfg.InitialDelay,
		max:     cfg.MaxDelay,
		mult:    cfg.Multiplier,
		next:    cfg.InitialDelay,
		stable:  cfg.StableAfter,
	}
}

// Next returns the delay to wait before the upcoming attempt and
// advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.next
	grown := time.Duration(float64(b.next) * b.mult)
	if grown > b.max || grown < b.next {
		grown = b.max
	}
	b.next = grown
	return d
}

// Peek returns the delay the next call to [Backoff.Next] would return.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Reset returns the schedule to its initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.initial
	b.mu.Unlock()
}

// ObserveUptime resets the schedule if a connection stayed up for at
// least StableAfter, and reports whether it did. A connection that
// drops sooner keeps the grown delay so a flapping peer is not
// hammered at the minimum interval.
func (b *Backoff) ObserveUptime(up time.Duration) bool {
	if up < b.stable {
		return false
	}
	b.Reset()
	return true
}
