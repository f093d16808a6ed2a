// Package jobstore defines persistence contracts for the durable job queue
// driving saga steps and intent execution.
package jobstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job store: not found")

// Status tracks a job through the queue.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Job is one queued unit of work. The caller supplies the job ID; enqueueing
// an ID that already exists is a no-op, which gives per-step-per-order
// deduplication when IDs are deterministic (for example withdraw_<orderId>).
type Job struct {
	JobID       string
	Kind        string
	Payload     json.RawMessage
	Status      Status
	AvailableAt time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Enqueue describes a job submission.
type Enqueue struct {
	JobID   string
	Kind    string
	Payload json.RawMessage
	// Delay postpones the first run.
	Delay time.Duration
	// MaxAttempts caps retries; zero means the store default.
	MaxAttempts int
}

// Store abstracts queue persistence.
type Store interface {
	// Enqueue inserts a job. It returns false when a job with the same ID
	// already exists, in which case nothing changes.
	Enqueue(ctx context.Context, req Enqueue) (bool, error)
	// ClaimDue atomically moves up to limit due pending jobs to running and
	// returns them. Claimed jobs are invisible to other pollers.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// MarkDone finishes a running job.
	MarkDone(ctx context.Context, jobID string) error
	// MarkRetry reschedules a running job after a failure.
	MarkRetry(ctx context.Context, jobID string, lastError string, availableAt time.Time) error
	// MarkDead parks a job that exhausted its attempts.
	MarkDead(ctx context.Context, jobID string, lastError string) error
	// Get returns a job by ID.
	Get(ctx context.Context, jobID string) (Job, error)
	// RequeueStuck returns running jobs claimed before the cutoff to pending,
	// recovering work lost to a crashed worker.
	RequeueStuck(ctx context.Context, claimedBefore time.Time) (int, error)
}
