package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
)

// JobStore persists the durable job queue. Deterministic job IDs plus the
// ON CONFLICT insert give at-most-one-in-flight per step per order.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore backed by the provided pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const (
	defaultJobMaxAttempts = 10
	defaultClaimLimit     = 32
	maxClaimLimit         = 256
)

const jobColumns = `
    job_id,
    kind,
    payload,
    status,
    available_at,
    attempts,
    max_attempts,
    COALESCE(last_error, ''),
    created_at,
    updated_at`

const (
	jobEnqueueSQL = `
INSERT INTO jobs (job_id, kind, payload, status, available_at, max_attempts)
VALUES ($1, $2, COALESCE($3::jsonb, '{}'::jsonb), 'pending', $4, $5)
ON CONFLICT (job_id) DO NOTHING;
`

	jobClaimDueSQL = `
UPDATE jobs
SET status = 'running',
    attempts = attempts + 1,
    updated_at = NOW()
WHERE job_id IN (
    SELECT job_id
    FROM jobs
    WHERE status = 'pending'
      AND available_at <= $1
    ORDER BY available_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns + `;
`

	jobMarkDoneSQL = `
UPDATE jobs
SET status = 'done',
    updated_at = NOW()
WHERE job_id = $1
  AND status = 'running';
`

	jobMarkRetrySQL = `
UPDATE jobs
SET status = 'pending',
    last_error = NULLIF($2, ''),
    available_at = $3,
    updated_at = NOW()
WHERE job_id = $1
  AND status = 'running';
`

	jobMarkDeadSQL = `
UPDATE jobs
SET status = 'dead',
    last_error = NULLIF($2, ''),
    updated_at = NOW()
WHERE job_id = $1
  AND status = 'running';
`

	jobSelectSQL = `
SELECT ` + jobColumns + `
FROM jobs
WHERE job_id = $1;
`

	jobRequeueStuckSQL = `
UPDATE jobs
SET status = 'pending',
    available_at = NOW(),
    updated_at = NOW()
WHERE status = 'running'
  AND updated_at < $1;
`
)

// Enqueue inserts a job, returning false when the ID already exists.
func (s *JobStore) Enqueue(ctx context.Context, req jobstore.Enqueue) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("job store: nil pool")
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return false, fmt.Errorf("job store: job id required")
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return false, fmt.Errorf("job store: kind required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultJobMaxAttempts
	}
	availableAt := time.Now()
	if req.Delay > 0 {
		availableAt = availableAt.Add(req.Delay)
	}
	tag, err := s.pool.Exec(ctx, jobEnqueueSQL, jobID, kind, []byte(payload), availableAt, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("job store: enqueue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDue atomically claims due pending jobs for a worker.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]jobstore.Job, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	if limit <= 0 {
		limit = defaultClaimLimit
	} else if limit > maxClaimLimit {
		limit = maxClaimLimit
	}
	if now.IsZero() {
		now = time.Now()
	}
	rows, err := s.pool.Query(ctx, jobClaimDueSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("job store: claim due: %w", err)
	}
	defer rows.Close()

	var jobs []jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job store: iterate claimed: %w", err)
	}
	return jobs, nil
}

// MarkDone finishes a running job.
func (s *JobStore) MarkDone(ctx context.Context, jobID string) error {
	return s.exec(ctx, jobMarkDoneSQL, "mark done", strings.TrimSpace(jobID))
}

// MarkRetry reschedules a running job.
func (s *JobStore) MarkRetry(ctx context.Context, jobID string, lastError string, availableAt time.Time) error {
	return s.exec(ctx, jobMarkRetrySQL, "mark retry", strings.TrimSpace(jobID), lastError, availableAt)
}

// MarkDead parks a job that exhausted its attempts.
func (s *JobStore) MarkDead(ctx context.Context, jobID string, lastError string) error {
	return s.exec(ctx, jobMarkDeadSQL, "mark dead", strings.TrimSpace(jobID), lastError)
}

// Get returns a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (jobstore.Job, error) {
	if s.pool == nil {
		return jobstore.Job{}, fmt.Errorf("job store: nil pool")
	}
	job, err := scanJob(s.pool.QueryRow(ctx, jobSelectSQL, strings.TrimSpace(jobID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobstore.Job{}, jobstore.ErrNotFound
	}
	return job, err
}

// RequeueStuck returns crashed workers' claims to pending.
func (s *JobStore) RequeueStuck(ctx context.Context, claimedBefore time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobRequeueStuckSQL, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("job store: requeue stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) exec(ctx context.Context, sql, op string, args ...any) error {
	if s.pool == nil {
		return fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("job store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (jobstore.Job, error) {
	var (
		job     jobstore.Job
		status  string
		payload []byte
	)
	if err := row.Scan(
		&job.JobID,
		&job.Kind,
		&payload,
		&status,
		&job.AvailableAt,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.Job{}, err
		}
		return jobstore.Job{}, fmt.Errorf("job store: scan job: %w", err)
	}
	job.Status = jobstore.Status(status)
	job.Payload = json.RawMessage(payload)
	return job, nil
}

var _ jobstore.Store = (*JobStore)(nil)
