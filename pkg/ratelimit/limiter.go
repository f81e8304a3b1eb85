// Package ratelimit provides fixed-window request limiting for the agent
// API. Registration and lookup endpoints are keyed per client origin; the
// redis-backed limiter keeps counts consistent across replicas and falls
// back to a per-process window when redis is unreachable.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call. ResetAt feeds the Retry-After
// header on 429 responses.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

type window struct {
	count   int
	resetAt time.Time
}

// InMemoryLimiter counts requests per key in fixed windows. Expired windows
// are purged lazily on each Allow call, so the map never outgrows the set
// of keys seen within one window.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	keys   map[string]window
}

func NewInMemory(win time.Duration) *InMemoryLimiter {
	if win <= 0 {
		win = time.Minute
	}
	return &InMemoryLimiter{window: win, keys: make(map[string]window)}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.keys {
		if now.After(w.resetAt) {
			delete(l.keys, k)
		}
	}
	w, ok := l.keys[key]
	if !ok || now.After(w.resetAt) {
		w = window{resetAt: now.Add(l.window)}
	}
	w.count++
	l.keys[key] = w
	return decisionFor(w.count, limit, w.resetAt)
}

func decisionFor(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
