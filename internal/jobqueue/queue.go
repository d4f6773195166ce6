package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Queue is the job queue dispatcher (§4.C): a durable, priority-ordered
// FIFO queue backed by the jobs table, with dedup, retry, and stats
// operations. Reservation (the worker-facing half, §4.D) lives in worker.go.
type Queue struct {
	db *database.Postgres
}

func NewQueue(db *database.Postgres) *Queue {
	return &Queue{db: db}
}

// Dispatch enqueues a single job, computing available_at = now + delay. A
// duplicate dedup_key either no-ops (returns the existing job's id) or
// collapses, per §3's dedup_key invariant.
func (q *Queue) Dispatch(ctx context.Context, queue, jobType string, payload any, opts DispatchOptions) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload for %s/%s: %w", queue, jobType, err)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	availableAt := time.Now().UTC().Add(opts.Delay)

	var dedup *string
	if opts.DedupKey != "" {
		dedup = &opts.DedupKey
	}

	var id int64
	err = q.db.Pool.QueryRow(ctx,
		`INSERT INTO jobs (queue, type, payload, status, priority, available_at, attempts, max_attempts, dedup_key, created_at)
		 VALUES ($1, $2, $3, 'pending', $4, $5, 0, $6, $7, now())
		 ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		queue, jobType, body, opts.Priority, availableAt, opts.MaxAttempts, dedup,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		// Dedup collapse: a row with this dedup_key already exists.
		err = q.db.Pool.QueryRow(ctx, `SELECT id FROM jobs WHERE dedup_key = $1`, dedup).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("resolve deduped job %s/%s: %w", queue, jobType, err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dispatch %s/%s: %w", queue, jobType, err)
	}
	return id, nil
}

// DispatchMany atomically bulk-enqueues payloads onto one queue/type as a
// single logical enqueue with respect to consumers (§4.C). Each chunk is
// inserted with one statement via unnest() over array-typed parameters,
// chunked to stay within the backend's parameter limit (≤5000 rows per
// insert by default), and all chunks commit in one transaction.
func (q *Queue) DispatchMany(ctx context.Context, queue, jobType string, payloads []any, opts DispatchOptions) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	availableAt := time.Now().UTC().Add(opts.Delay)

	const chunkSize = 5000

	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin dispatch_many %s/%s: %w", queue, jobType, err)
	}
	defer tx.Rollback(ctx)

	var ids []int64
	for start := 0; start < len(payloads); start += chunkSize {
		end := min(start+chunkSize, len(payloads))
		chunk := payloads[start:end]

		bodies := make([][]byte, len(chunk))
		for i, p := range chunk {
			body, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("marshal payload %d for %s/%s: %w", start+i, queue, jobType, err)
			}
			bodies[i] = body
		}

		rows, err := tx.Query(ctx,
			`INSERT INTO jobs (queue, type, payload, status, priority, available_at, attempts, max_attempts, created_at)
			 SELECT $1, $2, p, 'pending', $3, $4, 0, $5, now()
			 FROM unnest($6::jsonb[]) AS p
			 RETURNING id`,
			queue, jobType, opts.Priority, availableAt, opts.MaxAttempts, bodies,
		)
		if err != nil {
			return nil, fmt.Errorf("dispatch_many chunk for %s/%s: %w", queue, jobType, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit dispatch_many %s/%s: %w", queue, jobType, err)
	}
	return ids, nil
}

// Stats returns per-status counts for one queue, or one entry per queue
// for every queue when queue is empty.
func (q *Queue) Stats(ctx context.Context, queue string) ([]QueueStats, error) {
	var rows pgx.Rows
	var err error
	if queue == "" {
		rows, err = q.db.Pool.Query(ctx,
			`SELECT queue, status, count(*) FROM jobs GROUP BY queue, status`)
	} else {
		rows, err = q.db.Pool.Query(ctx,
			`SELECT queue, status, count(*) FROM jobs WHERE queue = $1 GROUP BY queue, status`, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	byQueue := map[string]*QueueStats{}
	for rows.Next() {
		var q2, status string
		var count int64
		if err := rows.Scan(&q2, &status, &count); err != nil {
			return nil, err
		}
		s, ok := byQueue[q2]
		if !ok {
			s = &QueueStats{Queue: q2}
			byQueue[q2] = s
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusProcessing:
			s.Processing = count
		case StatusCompleted:
			s.Completed = count
		case StatusFailed:
			s.Failed = count
		}
	}

	result := make([]QueueStats, 0, len(byQueue))
	for _, s := range byQueue {
		result = append(result, *s)
	}
	return result, nil
}

// Failed returns the most recent failed jobs for operator inspection.
func (q *Queue) Failed(ctx context.Context, limit int) ([]Job, error) {
	rows, err := q.db.Pool.Query(ctx,
		`SELECT id, queue, type, payload, status, priority, available_at, reserved_at, processed_at, attempts, max_attempts, error, dedup_key, created_at
		 FROM jobs WHERE status = 'failed' ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Retry resets a single job to pending, clearing attempts and error.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	_, err := q.db.Pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', attempts = 0, error = NULL, available_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("retry job %d: %w", id, err)
	}
	return nil
}

// RetryFailed resets every failed job in a queue (or all queues) to pending.
func (q *Queue) RetryFailed(ctx context.Context, queue string) (int64, error) {
	var tag pgconn.CommandTag
	var err error
	if queue == "" {
		tag, err = q.db.Pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', attempts = 0, error = NULL, available_at = now() WHERE status = 'failed'`)
	} else {
		tag, err = q.db.Pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', attempts = 0, error = NULL, available_at = now() WHERE status = 'failed' AND queue = $1`, queue)
	}
	if err != nil {
		return 0, fmt.Errorf("retry_failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cleanup deletes terminal rows older than the threshold.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.db.Pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND created_at < $1`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	slog.Info("job queue cleanup", "deleted", tag.RowsAffected(), "older_than", olderThan)
	return tag.RowsAffected(), nil
}

// Purge deletes rows from a queue, terminal-only by default.
func (q *Queue) Purge(ctx context.Context, queue string, onlyTerminal bool) (int64, error) {
	var tag pgconn.CommandTag
	var err error
	if onlyTerminal {
		tag, err = q.db.Pool.Exec(ctx,
			`DELETE FROM jobs WHERE queue = $1 AND status IN ('completed', 'failed')`, queue)
	} else {
		tag, err = q.db.Pool.Exec(ctx, `DELETE FROM jobs WHERE queue = $1`, queue)
	}
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queue, err)
	}
	return tag.RowsAffected(), nil
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Queue, &j.Type, &j.Payload, &j.Status, &j.Priority,
			&j.AvailableAt, &j.ReservedAt, &j.ProcessedAt, &j.Attempts, &j.MaxAttempts,
			&j.Error, &j.DedupKey, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
