// Package ratelimit implements sliding-window request throttling keyed
// by arbitrary composite strings (IP, license key, license+machine).
// The counter store is an injected interface so a single-instance
// in-memory map and a distributed Redis counter are interchangeable.
package ratelimit

import (
	"context"
	"time"
)

// Store counts requests in fixed windows. The limiter combines the
// current and previous window counts into a sliding-window estimate.
type Store interface {
	// Incr increments the counter for key in the fixed window
	// containing now and returns the current and previous window
	// counts (current includes this increment).
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (curr, prev int64, err error)
}

// Result reports one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most Limit requests per Window per key, using a
// weighted two-window sliding estimate.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a limiter over the given store.
func New(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one request for key and decides whether it is admitted.
// Rejected requests carry a retry-after hint; they are never queued.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.now()

	curr, prev, err := l.store.Incr(ctx, key, l.window, now)
	if err != nil {
		return Result{}, err
	}

	windowStart := now.Truncate(l.window)
	elapsed := now.Sub(windowStart)
	weight := 1 - float64(elapsed)/float64(l.window)

	estimate := float64(curr) + float64(prev)*weight
	if estimate > float64(l.limit) {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: l.window - elapsed,
		}, nil
	}

	remaining := l.limit - int(estimate)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}, nil
}
