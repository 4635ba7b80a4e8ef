package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
)

// CounterStore is the durable counter table.
type CounterStore interface {
	GetRateLimit(ctx context.Context, key string) (*store.RateLimitCounter, error)
	IncrementRateLimit(ctx context.Context, key string, now time.Time, window time.Duration) (*store.RateLimitCounter, error)
	DeleteExpiredRateLimits(ctx context.Context, now time.Time) (int64, error)
}

// Decision is the outcome of a limiter call.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// RetryAfter is the time left until ResetAt, rounded up to whole seconds, never below one.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

type entry struct {
	count     int
	expiresAt time.Time
}

// Limiter counts attempts per key in fixed windows.
//
// Check never counts anything. Callers that only want failures counted pair
// Check with Increment after the outcome is known; callers where every request
// counts use Allow, which checks and counts in one atomic step.
//
// The in-process cache is never authoritative: it only lets a key that is
// already over its limit be denied without a store round trip, and its entries
// die with the window they were copied from.
type Limiter struct {
	store      CounterStore
	failClosed bool
	now        func() time.Time
	log        *slog.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithFailClosed makes store errors deny instead of allow.
func WithFailClosed(closed bool) LimiterOption {
	return func(l *Limiter) { l.failClosed = closed }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter returns a Limiter over st. By default it fails open: if the
// store is unreachable requests are allowed (and the failure logged), so a
// database outage cannot lock every user out.
func NewLimiter(st CounterStore, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store: st,
		now:   time.Now,
		log:   slog.Default(),
		cache: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// cached returns the unexpired cache entry for key.
func (l *Limiter) cached(key string, now time.Time) (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[key]
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(l.cache, key)
		return entry{}, false
	}
	return e, true
}

func (l *Limiter) remember(c *store.RateLimitCounter) {
	l.mu.Lock()
	l.cache[c.Key] = entry{count: c.Count, expiresAt: c.ExpiresAt}
	l.mu.Unlock()
}

func (l *Limiter) forget(key string) {
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
}

func denied(resetAt time.Time) Decision {
	return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
}

func (l *Limiter) storeFailure(op, key string, p Policy, now time.Time, err error) Decision {
	l.log.Error("rate limit store failure", "op", op, "key", key, "fail_closed", l.failClosed, "error", err)
	if l.failClosed {
		return denied(now.Add(p.Window))
	}
	return Decision{Allowed: true, Remaining: p.MaxAttempts, ResetAt: now.Add(p.Window)}
}

// Check reports whether another attempt on key is allowed under p, without counting one.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) Decision {
	now := l.now()
	if e, ok := l.cached(key, now); ok && e.count >= p.MaxAttempts {
		return denied(e.expiresAt)
	}

	c, err := l.store.GetRateLimit(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.forget(key)
			return Decision{Allowed: true, Remaining: p.MaxAttempts, ResetAt: now.Add(p.Window)}
		}
		return l.storeFailure("check", key, p, now, err)
	}

	// A lapsed window counts as no window; the next increment starts a fresh one.
	if !now.Before(c.ExpiresAt) {
		l.forget(key)
		return Decision{Allowed: true, Remaining: p.MaxAttempts, ResetAt: now.Add(p.Window)}
	}

	l.remember(c)
	if c.Count >= p.MaxAttempts {
		return denied(c.ExpiresAt)
	}
	return Decision{Allowed: true, Remaining: p.MaxAttempts - c.Count, ResetAt: c.ExpiresAt}
}

// Increment counts one attempt on key and returns the state afterwards:
// Allowed reports whether a further attempt would still be allowed.
func (l *Limiter) Increment(ctx context.Context, key string, p Policy) (Decision, error) {
	c, err := l.store.IncrementRateLimit(ctx, key, l.now(), p.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("incrementing %s: %w", key, err)
	}
	l.remember(c)
	if c.Count >= p.MaxAttempts {
		return denied(c.ExpiresAt), nil
	}
	return Decision{Allowed: true, Remaining: p.MaxAttempts - c.Count, ResetAt: c.ExpiresAt}, nil
}

// Allow counts this attempt and reports whether it is within p.
// The first MaxAttempts calls in a window are allowed, later ones denied.
func (l *Limiter) Allow(ctx context.Context, key string, p Policy) Decision {
	now := l.now()
	if e, ok := l.cached(key, now); ok && e.count >= p.MaxAttempts {
		return denied(e.expiresAt)
	}

	c, err := l.store.IncrementRateLimit(ctx, key, now, p.Window)
	if err != nil {
		return l.storeFailure("allow", key, p, now, err)
	}
	l.remember(c)
	if c.Count > p.MaxAttempts {
		return denied(c.ExpiresAt)
	}
	return Decision{Allowed: true, Remaining: p.MaxAttempts - c.Count, ResetAt: c.ExpiresAt}
}

// PurgeCache drops cache entries whose window ended at or before now.
// Returns how many were dropped.
func (l *Limiter) PurgeCache(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.cache {
		if !now.Before(e.expiresAt) {
			delete(l.cache, key)
			n++
		}
	}
	return n
}

// PurgeExpired deletes lapsed durable counters.
func (l *Limiter) PurgeExpired(ctx context.Context) (int64, error) {
	return l.store.DeleteExpiredRateLimits(ctx, l.now())
}

// CacheLen returns the number of cached keys.
func (l *Limiter) CacheLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
