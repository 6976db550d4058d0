package remediation

import (
	"sync"
	"time"
)

// rateLimiter bounds how many automated changes run against one
// (service, config_key) per day and per week.
type rateLimiter struct {
	mu          sync.Mutex
	dailyLimit  int
	weeklyLimit int
	applied     map[string][]time.Time
	now         func() time.Time
}

func newRateLimiter(dailyLimit, weeklyLimit int) *rateLimiter {
	if dailyLimit <= 0 {
		dailyLimit = 5
	}
	if weeklyLimit <= 0 {
		weeklyLimit = 20
	}
	return &rateLimiter{
		dailyLimit:  dailyLimit,
		weeklyLimit: weeklyLimit,
		applied:     make(map[string][]time.Time),
		now:         time.Now,
	}
}

// allow reports whether another change fits under both counters.
func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(key, now)

	daily := 0
	dayCutoff := now.Add(-24 * time.Hour)
	for _, t := range l.applied[key] {
		if t.After(dayCutoff) {
			daily++
		}
	}
	return daily < l.dailyLimit && len(l.applied[key]) < l.weeklyLimit
}

// record registers one applied change.
func (l *rateLimiter) record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.applied[key] = append(l.applied[key], now)
	l.pruneLocked(key, now)
}

func (l *rateLimiter) pruneLocked(key string, now time.Time) {
	cutoff := now.Add(-7 * 24 * time.Hour)
	kept := l.applied[key][:0]
	for _, t := range l.applied[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.applied[key] = kept
}
