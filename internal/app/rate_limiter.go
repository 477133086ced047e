package app

import (
	"context"
	"sync"
	"time"
)

// RateDecision is the limiter's answer for one request.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter counts requests per client key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// FixedWindowLimiter is the in-process RateLimiter. A window opens on a key's
// first request and resets once its duration has elapsed.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewFixedWindowLimiter allows limit requests per key per window.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *FixedWindowLimiter) Allow(_ context.Context, key string) (RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}

	decision := RateDecision{Limit: l.limit, ResetAt: w.resetAt}
	if w.count >= l.limit {
		decision.RetryAfter = w.resetAt.Sub(now)
		return decision, nil
	}
	w.count++
	decision.Allowed = true
	decision.Remaining = l.limit - w.count
	return decision, nil
}

// Sweep drops windows that have already reset and returns how many were removed.
func (l *FixedWindowLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
