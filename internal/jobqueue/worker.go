package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

// Handler processes one job's decoded payload. A non-nil error marks the
// job for retry-or-fail per the worker's backoff policy; ErrPermanent
// marks it failed outright regardless of remaining attempts.
type Handler func(ctx context.Context, job Job) error

// ErrPermanent wraps a handler error to signal it should never be retried
// (the UpstreamContract error class from §7).
var ErrPermanent = errors.New("job: permanent failure")

const (
	lockDuration    = 5 * time.Minute
	maxStalledCount = 3
	backoffBase     = 2 * time.Second
	backoffFactor   = 2
)

// Pool is the worker runtime for one queue (§4.D): N concurrent workers
// that reserve, dispatch, and complete/fail jobs.
type Pool struct {
	db       *database.Postgres
	queue    string
	handlers map[string]Handler
	n        int
	rateCap  *TokenBucket

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a worker pool for queue, with n concurrent workers. Pass
// a non-nil rateCap to enforce a per-queue dispatch rate (e.g. "at most R
// jobs per second").
func NewPool(db *database.Postgres, queue string, n int, rateCap *TokenBucket) *Pool {
	return &Pool{
		db:       db,
		queue:    queue,
		handlers: make(map[string]Handler),
		n:        n,
		rateCap:  rateCap,
		done:     make(chan struct{}),
	}
}

// Register binds a handler to (queue, type). Unknown (queue, type) pairs
// encountered at dispatch time fail the job permanently.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Start launches the pool's workers. Start returns immediately; call Stop
// to shut down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop signals workers to drain in-flight jobs (bounded by grace) then
// abandons anything still running. Abandoned jobs stay in processing;
// Stop does not release them, and ReapStalled moves them back to pending
// once their reservation is older than lockDuration.
func (p *Pool) Stop(grace time.Duration) {
	close(p.done)
	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(grace):
		slog.Warn("worker pool stop timed out, abandoning in-flight jobs", "queue", p.queue)
	}
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if p.rateCap != nil {
			if err := p.rateCap.Take(ctx); err != nil {
				return
			}
		}

		job, err := p.reserve(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "reserve failed", "queue", p.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		p.dispatch(ctx, *job)
	}
}

// reserve atomically selects one eligible job and marks it processing.
// The SELECT ... FOR UPDATE SKIP LOCKED clause guarantees two workers
// never reserve the same row (§4.D step 1, §5 "Queue table").
func (p *Pool) reserve(ctx context.Context) (*Job, error) {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	var j Job
	err = tx.QueryRow(ctx,
		`SELECT id, queue, type, payload, status, priority, available_at, reserved_at, processed_at, attempts, max_attempts, error, dedup_key, created_at
		 FROM jobs
		 WHERE queue = $1 AND status = 'pending' AND available_at <= now()
		 ORDER BY priority ASC, available_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		p.queue,
	).Scan(&j.ID, &j.Queue, &j.Type, &j.Payload, &j.Status, &j.Priority,
		&j.AvailableAt, &j.ReservedAt, &j.ProcessedAt, &j.Attempts, &j.MaxAttempts,
		&j.Error, &j.DedupKey, &j.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'processing', reserved_at = now(), attempts = attempts + 1 WHERE id = $1`,
		j.ID,
	); err != nil {
		return nil, fmt.Errorf("mark job %d processing: %w", j.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	j.Attempts++
	j.Status = StatusProcessing
	return &j, nil
}

func (p *Pool) dispatch(ctx context.Context, job Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.fail(ctx, job, fmt.Errorf("%w: no handler registered for %s/%s", ErrPermanent, job.Queue, job.Type), true)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		p.complete(ctx, job)
		return
	}

	permanent := errors.Is(err, ErrPermanent)
	p.fail(ctx, job, err, permanent)
}

func (p *Pool) complete(ctx context.Context, job Job) {
	if _, err := p.db.Pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', processed_at = now(), error = NULL WHERE id = $1`, job.ID,
	); err != nil {
		slog.ErrorContext(ctx, "failed to mark job completed", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, job Job, cause error, permanent bool) {
	errText := cause.Error()

	if !permanent && job.Attempts < job.MaxAttempts {
		backoff := backoffBase
		for i := 1; i < job.Attempts; i++ {
			backoff *= backoffFactor
		}
		availableAt := time.Now().UTC().Add(backoff)
		if _, err := p.db.Pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', available_at = $2, error = $3 WHERE id = $1`,
			job.ID, availableAt, errText,
		); err != nil {
			slog.ErrorContext(ctx, "failed to reschedule job", "job_id", job.ID, "error", err)
		}
		return
	}

	if _, err := p.db.Pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', processed_at = now(), error = $2 WHERE id = $1`,
		job.ID, errText,
	); err != nil {
		slog.ErrorContext(ctx, "failed to mark job failed", "job_id", job.ID, "error", err)
	}
}

// ReapStalled moves jobs whose reservation has exceeded lockDuration back
// to pending, up to maxStalledCount retries per job, beyond which they are
// marked failed (§4.D step 4). Intended to be invoked periodically by the
// cron scheduler.
func ReapStalled(ctx context.Context, db *database.Postgres) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', reserved_at = NULL, available_at = now()
		 WHERE status = 'processing' AND reserved_at < $1 AND attempts <= $2`,
		time.Now().UTC().Add(-lockDuration), maxStalledCount,
	)
	if err != nil {
		return 0, fmt.Errorf("reap stalled (requeue): %w", err)
	}

	if _, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', processed_at = now(), error = 'stalled beyond max_stalled_count'
		 WHERE status = 'processing' AND reserved_at < $1 AND attempts > $2`,
		time.Now().UTC().Add(-lockDuration), maxStalledCount,
	); err != nil {
		return tag.RowsAffected(), fmt.Errorf("reap stalled (fail): %w", err)
	}

	return tag.RowsAffected(), nil
}
