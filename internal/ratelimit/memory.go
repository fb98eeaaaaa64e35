package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps window counters in a lock-protected map. Suitable
// for single-instance deployments; counters are process-local.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	curr        int64
	prev        int64
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (int64, int64, error) {
	windowStart := now.Truncate(window)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{windowStart: windowStart}
		s.buckets[key] = b
	}

	switch {
	case b.windowStart.Equal(windowStart):
		// Same window.
	case b.windowStart.Equal(windowStart.Add(-window)):
		// Rolled into the next window.
		b.prev = b.curr
		b.curr = 0
		b.windowStart = windowStart
	default:
		// Idle for more than a full window; both counts expired.
		b.prev = 0
		b.curr = 0
		b.windowStart = windowStart
	}

	b.curr++

	s.pruneLocked(windowStart, window)

	return b.curr, b.prev, nil
}

// pruneLocked drops buckets idle for more than two windows so the map
// does not grow without bound under churning keys.
func (s *MemoryStore) pruneLocked(windowStart time.Time, window time.Duration) {
	if len(s.buckets) < 4096 {
		return
	}
	cutoff := windowStart.Add(-2 * window)
	for key, b := range s.buckets {
		if b.windowStart.Before(cutoff) {
			delete(s.buckets, key)
		}
	}
}
