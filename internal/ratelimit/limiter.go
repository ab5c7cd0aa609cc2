// Package ratelimit implements fixed-window request counting keyed by
// (scope, identity). Windows live in a Store; the in-memory store is the
// default and also serves as the fallback when a shared store misbehaves.
package ratelimit

import (
	"context"
	"time"
)

// Scope names one class of rate-limited operations and carries its budget.
type Scope struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a single rate check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before the window
// resets, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Store advances the counter for key inside its current fixed window,
// opening a fresh window with count 1 when none exists or the previous one
// has lapsed. The returned count is the post-increment value and resetAt the
// window's expiry. Implementations must make the advance atomic per key.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

// storeTimeout bounds every shared-store round trip so a slow backend cannot
// stall request handling.
const storeTimeout = 2 * time.Second

// Limiter applies per-scope budgets over a Store.
type Limiter struct {
	store Store
}

// New creates a Limiter backed by the given store.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check counts the request against (scope, identity) and decides admission.
// A store error denies the request; stores configured to fail open answer
// from their fallback instead of returning an error, so an error here means
// the deployment chose fail-closed.
func (l *Limiter) Check(ctx context.Context, scope Scope, identity string) Decision {
	limit := scope.Limit
	if limit < 1 {
		limit = 1
	}

	count, resetAt, err := l.store.Incr(ctx, scope.Name+":"+identity, scope.Window)
	if err != nil {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: time.Now().Add(scope.Window)}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
