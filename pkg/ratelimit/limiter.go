// Package ratelimit bounds per-conversation forwarding frequency with a
// sliding one-minute window. Window state lives in memory only and resets
// on restart.
package ratelimit

import (
	"sync"
	"time"
)

const window = time.Minute

type Limiter struct {
	mu         sync.Mutex
	maxPerMin  int
	timestamps map[string][]time.Time
	now        func() time.Time
}

func New(maxPerMinute int) *Limiter {
	return &Limiter{
		maxPerMin:  maxPerMinute,
		timestamps: make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow reports whether another delivery for key is admitted right now.
// Admission records the timestamp; denial records nothing. Expired
// timestamps are purged lazily on each call.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	kept := l.timestamps[key][:0]
	for _, ts := range l.timestamps[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps[key] = kept

	if len(kept) >= l.maxPerMin {
		return false
	}
	l.timestamps[key] = append(kept, now)
	return true
}

// Stats summarizes the live window state for the metrics endpoint.
func (l *Limiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, ts := range l.timestamps {
		total += len(ts)
	}
	return map[string]int{
		"tracked_contacts":      len(l.timestamps),
		"total_recent_messages": total,
	}
}
