package api

import (
	"sync"
	"time"
)

type limiterEntry struct {
	count       int
	windowStart time.Time
}

// attemptLimiter is a fixed-window counter keyed by client.
type attemptLimiter struct {
	mu      sync.Mutex
	entries map[string]limiterEntry
	limit   int
	window  time.Duration
	now     func() time.Time
}

func newAttemptLimiter(limit int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		entries: make(map[string]limiterEntry),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// allow records an attempt for key and reports whether it is within the limit.
// When it is not, retryAfter is the time left in the current window.
func (l *attemptLimiter) allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[key]
	if !exists || now.Sub(entry.windowStart) >= l.window {
		l.entries[key] = limiterEntry{count: 1, windowStart: now}
		l.sweep(now)
		return true, 0
	}
	if entry.count >= l.limit {
		return false, l.window - now.Sub(entry.windowStart)
	}
	entry.count++
	l.entries[key] = entry
	return true, 0
}

// reset forgets key, used after a successful login.
func (l *attemptLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *attemptLimiter) sweep(now time.Time) {
	if len(l.entries) < 1024 {
		return
	}
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, k)
		}
	}
}
