package jobqueue

import (
	"context"
	"fmt"
	"time"

	"killfeed/pkg/database"
)

// TokenBucket implements a Redis-backed token bucket in front of dispatch,
// for queues that declare a rate cap (e.g. "at most R jobs per second",
// §4.D). Backed by an atomic INCR+EXPIRE pair so multiple worker processes
// sharing one Redis instance observe the same budget.
type TokenBucket struct {
	redis       *database.Redis
	key         string
	limit       int64
	window      time.Duration
	minInterval time.Duration
}

// NewTokenBucket caps queue to at most limit dispatches per window.
func NewTokenBucket(redis *database.Redis, queue string, limit int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		redis:       redis,
		key:         fmt.Sprintf("killfeed:ratecap:%s", queue),
		limit:       int64(limit),
		window:      window,
		minInterval: 50 * time.Millisecond,
	}
}

// Take blocks until a slot is available within the current window.
func (b *TokenBucket) Take(ctx context.Context) error {
	for {
		count, err := b.redis.IncrWithExpiry(ctx, b.key, b.window)
		if err != nil {
			return fmt.Errorf("token bucket incr: %w", err)
		}
		if count <= b.limit {
			return nil
		}

		timer := time.NewTimer(b.minInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
