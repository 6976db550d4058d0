package remediation

import (
	"sync"
	"time"

	"github.com/presagestack/presage-engine/internal/metrics"
)

// CircuitBreaker halts all automated remediation after repeated consecutive
// failures, independent of any single service's rate limit. It bounds the
// blast radius of a faulty recommendation source.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	failures  []time.Time
	open      bool
	openedAt  time.Time
	now       func() time.Time
}

// NewCircuitBreaker constructs a breaker that opens after threshold
// consecutive failures within the sliding window and closes again after the
// cooldown or a manual reset.
func NewCircuitBreaker(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Minute
	}
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether automation may proceed. An open breaker closes itself
// once the cooldown elapses.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.resetLocked()
		return true
	}
	return false
}

// RecordFailure registers one RolledBack or Rejected outcome.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if !b.open && len(b.failures) >= b.threshold {
		b.open = true
		b.openedAt = now
		metrics.SetBreakerOpen(true)
	}
}

// RecordSuccess clears the consecutive-failure streak.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
}

// Reset closes the breaker on an explicit operator signal.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Open reports the current breaker state.
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && b.now().Sub(b.openedAt) >= b.cooldown {
		b.resetLocked()
	}
	return b.open
}

func (b *CircuitBreaker) resetLocked() {
	b.open = false
	b.failures = b.failures[:0]
	metrics.SetBreakerOpen(false)
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
