// Package queue runs the durable job queue. Workers poll the job store for
// due work, dispatch to handlers registered by kind, and reschedule failures
// with exponential backoff until attempts run out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/mvg-fi-dev/mrmarket/errs"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
)

// Handler processes one claimed job. A nil error completes the job; an error
// reschedules it when retryable attempts remain and parks it dead otherwise.
type Handler func(ctx context.Context, job jobstore.Job) error

// Options configures the worker pool.
type Options struct {
	// Workers bounds concurrent handler executions per poll batch.
	Workers int
	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration
	// ClaimLimit caps jobs claimed per poll.
	ClaimLimit int
	// RetryBaseDelay seeds the backoff schedule; attempt n waits
	// RetryBaseDelay * 2^(n-1), capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// StuckAfter bounds how long a claimed job may stay running before the
	// sweep returns it to pending.
	StuckAfter time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Pool polls the job store and dispatches claimed jobs to handlers.
type Pool struct {
	store jobstore.Store
	opts  Options

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs a worker pool over the given store.
func New(store jobstore.Store, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 32
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 30 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 10 * time.Minute
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pool{store: store, opts: opts, handlers: make(map[string]Handler)}
}

// Register binds a handler to a job kind. Later registrations replace
// earlier ones.
func (p *Pool) Register(kind string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handler, ok := p.handlers[kind]
	return handler, ok
}

// Run polls until the context is cancelled. The stuck-job sweep runs on its
// own slower cadence inside the same loop.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(p.opts.StuckAfter)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			cutoff := p.opts.Clock().Add(-p.opts.StuckAfter)
			requeued, err := p.store.RequeueStuck(ctx, cutoff)
			if err != nil {
				p.opts.Logger.Warn("queue stuck sweep failed", slog.String("error", err.Error()))
			} else if requeued > 0 {
				p.opts.Logger.Info("queue requeued stuck jobs", slog.Int("count", requeued))
			}
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.opts.Logger.Warn("queue poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce claims one batch of due jobs and runs them to completion. It
// returns the number of jobs processed.
func (p *Pool) PollOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.ClaimDue(ctx, p.opts.Clock(), p.opts.ClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("queue: claim due: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	workers := p.opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	batch := pool.New().WithMaxGoroutines(workers)
	for _, job := range jobs {
		job := job
		batch.Go(func() {
			p.runJob(ctx, job)
		})
	}
	batch.Wait()
	return len(jobs), nil
}

func (p *Pool) runJob(ctx context.Context, job jobstore.Job) {
	handler, ok := p.handler(job.Kind)
	if !ok {
		p.opts.Logger.Error("queue job has no handler",
			slog.String("job_id", job.JobID),
			slog.String("kind", job.Kind))
		p.finishFailure(ctx, job, fmt.Errorf("no handler for kind %s", job.Kind), false)
		return
	}

	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		handlerErr = handler(ctx, job)
	}()

	if handlerErr == nil {
		if err := p.store.MarkDone(ctx, job.JobID); err != nil {
			p.opts.Logger.Warn("queue mark done failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()))
		}
		return
	}
	p.finishFailure(ctx, job, handlerErr, retryableJobError(handlerErr))
}

// retryableJobError treats failures as retryable unless they carry an
// explicitly non-retryable classification. Unclassified errors retry because
// most of them are transient store or transport faults.
func retryableJobError(err error) bool {
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return errs.Retryable(err)
	}
	return true
}

func (p *Pool) finishFailure(ctx context.Context, job jobstore.Job, cause error, retryable bool) {
	message := errs.Sanitize(cause)
	exhausted := job.Attempts >= job.MaxAttempts
	if !retryable || exhausted {
		p.opts.Logger.Error("queue job dead",
			slog.String("job_id", job.JobID),
			slog.String("kind", job.Kind),
			slog.Int("attempts", job.Attempts),
			slog.String("error", message))
		if err := p.store.MarkDead(ctx, job.JobID, message); err != nil {
			p.opts.Logger.Warn("queue mark dead failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()))
		}
		return
	}
	delay := p.RetryDelay(job.Attempts)
	p.opts.Logger.Warn("queue job retry scheduled",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.Int("attempts", job.Attempts),
		slog.Duration("delay", delay),
		slog.String("error", message))
	if err := p.store.MarkRetry(ctx, job.JobID, message, p.opts.Clock().Add(delay)); err != nil {
		p.opts.Logger.Warn("queue mark retry failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
	}
}

// RetryDelay returns the backoff for a job that has run attempt times.
func (p *Pool) RetryDelay(attempts int) time.Duration {
	delay := p.opts.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.opts.RetryMaxDelay {
			return p.opts.RetryMaxDelay
		}
	}
	if delay > p.opts.RetryMaxDelay {
		delay = p.opts.RetryMaxDelay
	}
	return delay
}
