package upstream

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiterStartsOpen(t *testing.T) {
	l := NewRateLimiter()
	delay, until := l.currentDelay()
	assert.Equal(t, time.Duration(0), delay)
	assert.Nil(t, until)
}

func TestUpdateFromHeadersLowersBudgetIncreasesDelay(t *testing.T) {
	l := NewRateLimiter()
	h := http.Header{}
	h.Set("error-budget-remaining", "20")
	h.Set("error-budget-reset", "9999999999")
	l.UpdateFromHeaders(h)

	delay, until := l.currentDelay()
	assert.Equal(t, 500*time.Millisecond, delay)
	assert.Nil(t, until)
}

func TestUpdateFromHeadersExhaustedBudgetPauses(t *testing.T) {
	l := NewRateLimiter()
	h := http.Header{}
	h.Set("error-budget-remaining", "1")
	h.Set("error-budget-reset", "9999999999")
	l.UpdateFromHeaders(h)

	_, until := l.currentDelay()
	require.NotNil(t, until)
}

func TestUpdateFromHeadersIgnoresEmptyHeaders(t *testing.T) {
	l := NewRateLimiter()
	before := l.remainingErrors
	l.UpdateFromHeaders(http.Header{})
	assert.Equal(t, before, l.remainingErrors)
}

func TestPauseForOutageKeepsLongerExistingPause(t *testing.T) {
	l := NewRateLimiter()
	l.PauseForOutage(10 * time.Millisecond)
	l.PauseForOutage(5 * time.Millisecond)

	l.mu.Lock()
	until := l.pauseUntil
	l.mu.Unlock()
	assert.True(t, time.Until(until) > 3*time.Millisecond)
}

func TestWaitHonoursContextCancellation(t *testing.T) {
	l := NewRateLimiter()
	l.PauseForOutage(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
