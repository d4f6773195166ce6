// Package backfill implements the backfill controller of §4.L: resumable
// paged historical ingestion in two modes, enqueue-only and direct-insert.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails"
	"killfeed/internal/upstream"
	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

const (
	defaultBatchSize        = 1000
	enqueueOnlyConcurrency  = 5
	maxPageAttempts         = 5
)

// retryBackoff is the fixed 1,2,4,8,16s schedule (§4.L retry policy).
var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

type pageRef struct {
	UpstreamID int64  `json:"killmail_id"`
	Hash       string `json:"killmail_hash"`
}

type pageResponse struct {
	Data       []json.RawMessage `json:"data"`
	Pagination struct {
		HasMore bool `json:"hasMore"`
	} `json:"pagination"`
}

// Controller drives a bulk historical import against the export endpoint
// (§4.L). One Controller instance corresponds to one named backfill job,
// tracked in backfill_progress by jobName.
type Controller struct {
	db       *database.Postgres
	client   *upstream.Client
	queue    *jobqueue.Queue
	ingestor *killmails.Ingestor
	jobName  string
	endpoint string
	filter   map[string]any
	batchSize int
}

func NewController(db *database.Postgres, client *upstream.Client, queue *jobqueue.Queue, ingestor *killmails.Ingestor, jobName, endpoint string, filter map[string]any) *Controller {
	return &Controller{
		db:        db,
		client:    client,
		queue:     queue,
		ingestor:  ingestor,
		jobName:   jobName,
		endpoint:  endpoint,
		filter:    filter,
		batchSize: defaultBatchSize,
	}
}

// resumePoint returns the next page number to process, reading it from
// backfill_progress (§4.L "the controller records page_number so a crash
// resumes at page_number + 1").
func (c *Controller) resumePoint(ctx context.Context) (int64, error) {
	var page int64
	err := c.db.Pool.QueryRow(ctx, `SELECT page_number FROM backfill_progress WHERE job_name = $1`, c.jobName).Scan(&page)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load backfill progress for %s: %w", c.jobName, err)
	}
	return page + 1, nil
}

func (c *Controller) recordPage(ctx context.Context, page int64) error {
	_, err := c.db.Pool.Exec(ctx,
		`INSERT INTO backfill_progress (job_name, page_number, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (job_name) DO UPDATE SET page_number = EXCLUDED.page_number, updated_at = now()`,
		c.jobName, page,
	)
	if err != nil {
		return fmt.Errorf("record backfill progress for %s page %d: %w", c.jobName, page, err)
	}
	return nil
}

// fetchPage requests one page with retry on retryable errors (§4.L retry
// policy: up to 5 attempts, 1/2/4/8/16s backoff).
func (c *Controller) fetchPage(ctx context.Context, skip int) (pageResponse, error) {
	var resp pageResponse
	var lastErr error

	for attempt := 0; attempt < maxPageAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return resp, ctx.Err()
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		body, err := c.client.FetchExport(ctx, c.endpoint, map[string]any{
			"filter":  c.filter,
			"options": map[string]any{"limit": c.batchSize, "skip": skip},
		})
		if err == nil {
			if err := json.Unmarshal(body, &resp); err != nil {
				return resp, fmt.Errorf("%w: decode export page at skip %d: %v", upstream.ErrUpstreamContract, skip, err)
			}
			return resp, nil
		}

		lastErr = err
		if !errors.Is(err, upstream.ErrTransientUpstream) {
			return resp, err
		}
		slog.WarnContext(ctx, "backfill page fetch retrying", "job", c.jobName, "skip", skip, "attempt", attempt+1, "error", err)
	}
	return resp, fmt.Errorf("export page at skip %d exhausted retries: %w", skip, lastErr)
}

// RunEnqueueOnly drives the enqueue-only mode (§4.L): paged (upstream_id,
// hash) lists, deduped against the database, dispatched onto the fetch
// queue with up to enqueueOnlyConcurrency pages in flight.
func (c *Controller) RunEnqueueOnly(ctx context.Context) error {
	page, err := c.resumePoint(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, enqueueOnlyConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for {
		skip := int(page) * c.batchSize
		resp, err := c.fetchPage(ctx, skip)
		if err != nil {
			slog.ErrorContext(ctx, "backfill enqueue-only page failed", "job", c.jobName, "page", page, "error", err,
				"resume_command", fmt.Sprintf("resume %s from page %d", c.jobName, page))
			return err
		}

		if len(resp.Data) == 0 {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		pageCopy := resp
		pageNum := page
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.enqueuePage(ctx, pageCopy); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				slog.ErrorContext(ctx, "backfill page enqueue failed", "job", c.jobName, "page", pageNum, "error", err)
				return
			}
			if err := c.recordPage(ctx, pageNum); err != nil {
				slog.ErrorContext(ctx, "backfill progress record failed", "job", c.jobName, "page", pageNum, "error", err)
			}
		}()

		if len(resp.Data) < c.batchSize {
			wg.Wait()
			return firstErr
		}
		if !resp.Pagination.HasMore {
			wg.Wait()
			return firstErr
		}
		page++
	}
	wg.Wait()
	return firstErr
}

func (c *Controller) enqueuePage(ctx context.Context, resp pageResponse) error {
	for _, raw := range resp.Data {
		var ref pageRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return fmt.Errorf("%w: decode export row: %v", upstream.ErrUpstreamContract, err)
		}

		var existing int64
		err := c.db.Pool.QueryRow(ctx, `SELECT id FROM killmails WHERE upstream_id = $1`, ref.UpstreamID).Scan(&existing)
		if err == nil {
			continue
		}
		if err != pgx.ErrNoRows {
			return fmt.Errorf("dedup check for backfill upstream id %d: %w", ref.UpstreamID, err)
		}

		if _, err := c.queue.Dispatch(ctx, "killmail_fetch", "fetch", map[string]any{
			"upstream_id": ref.UpstreamID,
			"hash":        ref.Hash,
		}, jobqueue.DispatchOptions{DedupKey: fmt.Sprintf("killmail_fetch:%d", ref.UpstreamID)}); err != nil {
			return fmt.Errorf("dispatch backfill fetch %d: %w", ref.UpstreamID, err)
		}
	}
	return nil
}

// RunDirectInsert drives the direct-insert mode (§4.L): paged full killmail
// bodies handed straight to the ingestor, one page at a time (serial,
// since each page holds a large transaction).
func (c *Controller) RunDirectInsert(ctx context.Context) error {
	page, err := c.resumePoint(ctx)
	if err != nil {
		return err
	}

	for {
		skip := int(page) * c.batchSize
		resp, err := c.fetchPage(ctx, skip)
		if err != nil {
			slog.ErrorContext(ctx, "backfill direct-insert page failed", "job", c.jobName, "page", page, "error", err,
				"resume_command", fmt.Sprintf("resume %s from page %d", c.jobName, page))
			return err
		}

		if len(resp.Data) == 0 {
			return nil
		}

		for _, raw := range resp.Data {
			var body wireKillmail
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("%w: decode backfill killmail: %v", upstream.ErrUpstreamContract, err)
			}
			k := body.toDomain()
			if _, _, err := c.ingestor.Ingest(ctx, k); err != nil {
				return fmt.Errorf("ingest backfill killmail %d: %w", k.UpstreamID, err)
			}
		}

		if err := c.recordPage(ctx, page); err != nil {
			slog.ErrorContext(ctx, "backfill progress record failed", "job", c.jobName, "page", page, "error", err)
		}

		if len(resp.Data) < c.batchSize {
			return nil
		}
		if !resp.Pagination.HasMore {
			return nil
		}
		page++
	}
}
