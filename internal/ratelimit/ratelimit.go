// Package ratelimit counts authentication attempts per client key. The
// Redis implementation shares the counters across backend instances; the
// in-memory one covers single-instance and test setups.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reports whether the attempt identified by key is allowed.
// Implementations count the attempt as a side effect.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
	Close() error
}

type memoryLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

// NewMemory returns a sliding-window limiter scoped to this process.
func NewMemory(max int, window time.Duration) Limiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &memoryLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func (l *memoryLimiter) Close() error { return nil }
