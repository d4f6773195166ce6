package jobqueue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job (§3 Job entity).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job mirrors the Job entity from §3: durable, priority- and delay-aware,
// at-least-once, with retries and content-keyed deduplication.
type Job struct {
	ID          int64
	Queue       string
	Type        string
	Payload     json.RawMessage
	Status      Status
	Priority    int
	AvailableAt time.Time
	ReservedAt  *time.Time
	ProcessedAt *time.Time
	Attempts    int
	MaxAttempts int
	Error       *string
	DedupKey    *string
	CreatedAt   time.Time
}

// DispatchOptions configures a single dispatch/dispatch_many call.
type DispatchOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	DedupKey    string
}

// QueueStats is the per-status count returned by stats(queue).
type QueueStats struct {
	Queue      string
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
}
