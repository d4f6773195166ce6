package upstream

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter tracks the process-wide error budget shared by every upstream
// call. It is the "Rate-limit state" entity from §3: process-wide, single
// instance, protected by a mutex; only the upstream client mutates it.
//
// Per the design notes, horizontally-scaled deployments would need this
// state shared via Redis, but the single-process mutex-guarded design is
// the mandatory baseline.
type RateLimiter struct {
	mu              sync.Mutex
	remainingErrors int
	resetAt         time.Time
	paused          bool
	pauseUntil      time.Time
}

// NewRateLimiter starts with an open budget; the first response populates
// real values from headers.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{remainingErrors: 100, resetAt: time.Now().Add(time.Minute)}
}

// Wait blocks per the backoff curve in §4.A, and honours an active pause
// from a prior transient outage or an exhausted error budget.
func (l *RateLimiter) Wait(ctx context.Context) error {
	delay, until := l.currentDelay()
	if until != nil {
		return sleep(ctx, time.Until(*until))
	}
	return sleep(ctx, delay)
}

func (l *RateLimiter) currentDelay() (time.Duration, *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused && time.Now().Before(l.pauseUntil) {
		until := l.pauseUntil
		return 0, &until
	}
	if l.paused {
		l.paused = false
	}

	remain := l.remainingErrors
	switch {
	case remain > 50:
		return 0, nil
	case remain > 25:
		return 100 * time.Millisecond, nil
	case remain > 10:
		return 500 * time.Millisecond, nil
	case remain > 5:
		return 1 * time.Second, nil
	case remain > 2:
		return 2 * time.Second, nil
	case remain > 1:
		return 5 * time.Second, nil
	default:
		until := l.resetAt
		return 0, &until
	}
}

// UpdateFromHeaders replaces remaining_errors/reset_at with header values
// and pauses the limiter until reset if the budget is nearly exhausted.
func (l *RateLimiter) UpdateFromHeaders(h http.Header) {
	remainStr := h.Get("error-budget-remaining")
	resetStr := h.Get("error-budget-reset")
	if remainStr == "" && resetStr == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if remainStr != "" {
		if remain, err := strconv.Atoi(remainStr); err == nil {
			l.remainingErrors = remain
		}
	}
	if resetStr != "" {
		if secs, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			l.resetAt = time.Unix(secs, 0)
		}
	}

	if l.remainingErrors <= 1 {
		l.paused = true
		l.pauseUntil = l.resetAt
	}
}

// PauseForOutage pauses the rate limiter for the given duration following a
// 5xx transient outage, independent of the header-driven budget.
func (l *RateLimiter) PauseForOutage(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if !l.paused || until.After(l.pauseUntil) {
		l.paused = true
		l.pauseUntil = until
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
