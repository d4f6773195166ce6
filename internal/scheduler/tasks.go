package scheduler

import (
	"context"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/internal/upstream"
	"killfeed/pkg/database"
)

// pipelineQueues enumerates every queue worked by internal/jobqueue, for
// tasks that sweep or retry across all of them.
var pipelineQueues = []string{
	"killmail_fetch",
	"entity_refresh",
	"price_fetch",
	"value_calc",
	"publish",
	"entity_stats",
}

// DefaultTasks returns the pipeline's periodic task table (§4.M), replacing
// the teacher's token-refresh/SDE-sync/discord task set with the
// maintenance sweeps this pipeline actually needs.
func DefaultTasks(db *database.Postgres, redis *database.Redis, cache *upstream.Cache, queue *jobqueue.Queue) []Task {
	return []Task{
		{
			Name:     "cache_sweep",
			Schedule: "0 */10 * * * *",
			Timeout:  60 * time.Second,
			Action: func(ctx context.Context) error {
				_, err := cache.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "stall_reaper",
			Schedule: "0 * * * * *",
			Timeout:  30 * time.Second,
			Action: func(ctx context.Context) error {
				_, err := jobqueue.ReapStalled(ctx, db)
				return err
			},
		},
		{
			Name:             "retry_failed_jobs",
			Schedule:         "0 */5 * * * *",
			Timeout:          60 * time.Second,
			BacklogQueue:     "killmail_fetch",
			BacklogThreshold: 1000,
			Action: func(ctx context.Context) error {
				for _, q := range pipelineQueues {
					if _, err := queue.RetryFailed(ctx, q); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:     "job_cleanup",
			Schedule: "0 0 3 * * *",
			Timeout:  120 * time.Second,
			Action: func(ctx context.Context) error {
				_, err := queue.Cleanup(ctx, 7*24*time.Hour)
				return err
			},
		},
		{
			Name:     "health_check",
			Schedule: "0 */2 * * * *",
			Timeout:  10 * time.Second,
			Action: func(ctx context.Context) error {
				if err := db.Pool.Ping(ctx); err != nil {
					return err
				}
				return redis.HealthCheck(ctx)
			},
		},
	}
}
