package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRecordsSuccessAndFailure(t *testing.T) {
	s := New(nil)

	var calls int
	task := Task{
		Name:     "t1",
		Schedule: "* * * * * *",
		Action: func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("boom")
			}
			return nil
		},
	}
	s.Register(task)

	s.run(context.Background(), task)
	s.run(context.Background(), task)

	st := s.stats["t1"]
	require.NotNil(t, st)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, int64(1), st.failureCount)
	assert.Equal(t, int64(1), st.successCount)
	assert.Equal(t, "", st.lastError)
	assert.Equal(t, 2, calls)
}

func TestRunHonoursTimeout(t *testing.T) {
	s := New(nil)

	task := Task{
		Name:     "slow",
		Schedule: "* * * * * *",
		Timeout:  10 * time.Millisecond,
		Action: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	s.Register(task)

	start := time.Now()
	s.run(context.Background(), task)
	assert.Less(t, time.Since(start), time.Second)

	st := s.stats["slow"]
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, int64(1), st.failureCount)
}
