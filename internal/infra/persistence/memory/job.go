package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
)

const defaultJobMaxAttempts = 10

// JobStore is an in-memory durable job queue.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]jobstore.Job
	now  func() time.Time
}

// NewJobStore constructs an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]jobstore.Job),
		now:  time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *JobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Enqueue inserts a job, reporting false for duplicate IDs.
func (s *JobStore) Enqueue(_ context.Context, req jobstore.Enqueue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID := strings.TrimSpace(req.JobID)
	if _, exists := s.jobs[jobID]; exists {
		return false, nil
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultJobMaxAttempts
	}
	now := s.now()
	s.jobs[jobID] = jobstore.Job{
		JobID:       jobID,
		Kind:        strings.TrimSpace(req.Kind),
		Payload:     req.Payload,
		Status:      jobstore.StatusPending,
		AvailableAt: now.Add(req.Delay),
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

// ClaimDue moves up to limit due pending jobs to running and returns them.
func (s *JobStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 32
	}
	var due []jobstore.Job
	for _, job := range s.jobs {
		if job.Status == jobstore.StatusPending && !job.AvailableAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].JobID < due[j].JobID
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = jobstore.StatusRunning
		due[i].Attempts++
		due[i].UpdatedAt = s.now()
		s.jobs[due[i].JobID] = due[i]
	}
	return due, nil
}

// MarkDone finishes a running job.
func (s *JobStore) MarkDone(_ context.Context, jobID string) error {
	return s.mutateRunning(jobID, func(job *jobstore.Job) {
		job.Status = jobstore.StatusDone
	})
}

// MarkRetry reschedules a running job.
func (s *JobStore) MarkRetry(_ context.Context, jobID string, lastError string, availableAt time.Time) error {
	return s.mutateRunning(jobID, func(job *jobstore.Job) {
		job.Status = jobstore.StatusPending
		job.LastError = lastError
		job.AvailableAt = availableAt
	})
}

// MarkDead parks a job that exhausted its attempts.
func (s *JobStore) MarkDead(_ context.Context, jobID string, lastError string) error {
	return s.mutateRunning(jobID, func(job *jobstore.Job) {
		job.Status = jobstore.StatusDead
		job.LastError = lastError
	})
}

// Get returns a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return jobstore.Job{}, jobstore.ErrNotFound
	}
	return job, nil
}

// RequeueStuck returns running jobs claimed before the cutoff to pending.
func (s *JobStore) RequeueStuck(_ context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	for id, job := range s.jobs {
		if job.Status == jobstore.StatusRunning && job.UpdatedAt.Before(claimedBefore) {
			job.Status = jobstore.StatusPending
			job.AvailableAt = s.now()
			job.UpdatedAt = s.now()
			s.jobs[id] = job
			requeued++
		}
	}
	return requeued, nil
}

func (s *JobStore) mutateRunning(jobID string, apply func(*jobstore.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok || job.Status != jobstore.StatusRunning {
		return jobstore.ErrNotFound
	}
	apply(&job)
	job.UpdatedAt = s.now()
	s.jobs[job.JobID] = job
	return nil
}

var _ jobstore.Store = (*JobStore)(nil)
