package local

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type attemptEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// attemptLimiter throttles credential attempts per email address.
type attemptLimiter struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	entries map[string]*attemptEntry
}

func newAttemptLimiter(every time.Duration, burst int) *attemptLimiter {
	return &attemptLimiter{every: every, burst: burst, entries: make(map[string]*attemptEntry)}
}

// allow reports whether another attempt for key may proceed now.
func (l *attemptLimiter) allow(key string) bool {
	if l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &attemptEntry{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	if len(l.entries) > 4096 {
		l.pruneLocked(time.Now().Add(-time.Duration(l.burst) * l.every))
	}
	return e.limiter.Allow()
}

func (l *attemptLimiter) pruneLocked(before time.Time) {
	for k, e := range l.entries {
		if e.lastSeen.Before(before) {
			delete(l.entries, k)
		}
	}
}
