// Package scheduler implements the cron scheduler of §4.M: a declarative
// table of periodic tasks, each with a cron expression and an action,
// fired by a single in-process robfig/cron/v3 instance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"killfeed/internal/jobqueue"

	"github.com/robfig/cron/v3"
)

// Task is a declared periodic task (§4.M "each task exposes a schedule
// expression, a name, and an action").
type Task struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	// BacklogQueue and BacklogThreshold implement §4.M's skip rule: if
	// the named queue already has more than BacklogThreshold jobs
	// pending or processing, this tick is skipped rather than queued.
	// Left empty to always run.
	BacklogQueue     string
	BacklogThreshold int64
	Action           func(ctx context.Context) error
}

type taskStats struct {
	mu           sync.Mutex
	lastRun      time.Time
	lastError    string
	successCount int64
	failureCount int64
	skippedCount int64
}

// Scheduler runs a fixed set of Tasks on a single cron clock (§4.M).
type Scheduler struct {
	cron  *cron.Cron
	queue *jobqueue.Queue
	tasks []Task

	mu    sync.RWMutex
	stats map[string]*taskStats
}

func New(queue *jobqueue.Queue) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		queue: queue,
		stats: make(map[string]*taskStats),
	}
}

// Register adds a task to the schedule. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	s.tasks = append(s.tasks, t)
	s.stats[t.Name] = &taskStats{}
}

// Start schedules every registered task and starts the cron clock.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, t := range s.tasks {
		task := t
		if _, err := s.cron.AddFunc(task.Schedule, func() {
			s.run(ctx, task)
		}); err != nil {
			return fmt.Errorf("schedule task %s: %w", task.Name, err)
		}
	}
	s.cron.Start()
	slog.InfoContext(ctx, "scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop drains in-flight cron invocations and stops the clock.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	if t.BacklogQueue != "" {
		backlogged, err := s.isBacklogged(ctx, t.BacklogQueue, t.BacklogThreshold)
		if err != nil {
			slog.WarnContext(ctx, "scheduler backlog check failed", "task", t.Name, "error", err)
		} else if backlogged {
			s.mu.RLock()
			st := s.stats[t.Name]
			s.mu.RUnlock()
			st.mu.Lock()
			st.skippedCount++
			st.mu.Unlock()
			slog.InfoContext(ctx, "scheduler task skipped, queue backlogged", "task", t.Name, "queue", t.BacklogQueue)
			return
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := t.Action(runCtx)

	s.mu.RLock()
	st := s.stats[t.Name]
	s.mu.RUnlock()
	st.mu.Lock()
	st.lastRun = start
	if err != nil {
		st.failureCount++
		st.lastError = err.Error()
	} else {
		st.successCount++
		st.lastError = ""
	}
	st.mu.Unlock()

	if err != nil {
		slog.ErrorContext(ctx, "scheduler task failed", "task", t.Name, "duration", time.Since(start), "error", err)
		return
	}
	slog.InfoContext(ctx, "scheduler task completed", "task", t.Name, "duration", time.Since(start))
}

func (s *Scheduler) isBacklogged(ctx context.Context, queueName string, threshold int64) (bool, error) {
	stats, err := s.queue.Stats(ctx, queueName)
	if err != nil {
		return false, err
	}
	var waiting int64
	for _, st := range stats {
		waiting += st.Pending + st.Processing
	}
	return waiting > threshold, nil
}
