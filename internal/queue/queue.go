// Package queue is the logical job queue: a view over the jobs repository
// that enforces enqueue validation, dequeue ordering, the retry budget,
// and cancellation semantics. It owns no storage of its own.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/observability"
)

// Repository is the slice of the store the queue needs.
type Repository interface {
	FindTaskByID(ctx context.Context, id int64) (*domain.Task, error)
	CreateJob(ctx context.Context, job *domain.Job) error
	FindJobByID(ctx context.Context, id int64) (*domain.Job, error)
	FindJobsReadyForProcessing(ctx context.Context, limit int) ([]*domain.Job, error)
	MarkJobProcessing(ctx context.Context, id int64) error
	MarkJobCompleted(ctx context.Context, id int64) error
	MarkJobFailed(ctx context.Context, id int64, message string) error
	ScheduleJobRetry(ctx context.Context, id int64, at time.Time, message string) error
	CancelQueuedJob(ctx context.Context, id int64) error
}

// ErrInFlight is returned by Cancel for a Processing job: the caller owns
// the executor and must abort the in-flight work itself.
var ErrInFlight = errors.New("job is processing")

// Queue wraps the repository with queue semantics.
type Queue struct {
	repo    Repository
	backoff BackoffPolicy
	metrics *observability.QueueMetrics
	logger  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff overrides the retry backoff policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(q *Queue) { q.backoff = p }
}

// WithMetrics attaches queue counters.
func WithMetrics(m *observability.QueueMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue over the repository.
func New(repo Repository, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		repo:    repo,
		backoff: DefaultBackoff,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// EnqueueRequest carries everything needed to queue a job.
type EnqueueRequest struct {
	TaskID             int64
	ScheduleID         *int64
	Input              json.RawMessage
	Priority           domain.Priority
	MaxRetries         *int
	OutputDestinations json.RawMessage
	ProcessAt          *time.Time
}

// Enqueue validates the task and creates a Queued job. Disabled or
// missing tasks are rejected.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Job, error) {
	task, err := q.repo.FindTaskByID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.Enabled {
		return nil, domain.E(domain.KindValidation, "task %q is disabled", task.Name)
	}

	job := domain.NewJob(req.TaskID, req.Input, req.Priority)
	job.ScheduleID = req.ScheduleID
	job.OutputDestinations = req.OutputDestinations
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, domain.E(domain.KindValidation, "max_retries must not be negative")
		}
		job.MaxRetries = *req.MaxRetries
	}
	if req.ProcessAt != nil {
		at := req.ProcessAt.UTC()
		job.ProcessAt = &at
	}

	if err := q.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.Enqueued.Inc()
	}
	q.logger.InfoContext(ctx, "job enqueued",
		"job_id", job.ID, "task_id", job.TaskID, "priority", job.Priority)
	return job, nil
}

// Claim dequeues up to limit ready jobs for the worker. Each claim is a
// guarded transition; jobs lost to a concurrent claimant are skipped.
func (q *Queue) Claim(ctx context.Context, limit int, workerID string) ([]*domain.Job, error) {
	ready, err := q.repo.FindJobsReadyForProcessing(ctx, limit)
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.Job, 0, len(ready))
	for _, job := range ready {
		err := q.repo.MarkJobProcessing(ctx, job.ID)
		if errors.Is(err, domain.ErrStale) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		job.Status = domain.JobProcessing
		claimed = append(claimed, job)
		if q.metrics != nil {
			q.metrics.Claimed.Inc()
		}
		q.logger.DebugContext(ctx, "job claimed",
			"job_id", job.ID, "worker_id", workerID, "priority", job.Priority)
	}
	return claimed, nil
}

// Complete marks a Processing job Completed. Completing a job twice, or
// one that is not processing, is a Conflict.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	if err := q.repo.MarkJobCompleted(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrStale) {
			return domain.E(domain.KindConflict, "job %d is not processing", jobID)
		}
		return err
	}
	if q.metrics != nil {
		q.metrics.Completed.Inc()
	}
	return nil
}

// Fail records a failed attempt. When retry budget remains the job moves
// to Retrying with an exponential-backoff process_at; otherwise it is
// dead-lettered as Failed. Returns whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *domain.Job, message string) (bool, error) {
	if job.CanRetry() {
		delay := q.backoff.Delay(job.RetryCount)
		at := time.Now().UTC().Add(delay)

		err := q.repo.ScheduleJobRetry(ctx, job.ID, at, message)
		if err == nil {
			if q.metrics != nil {
				q.metrics.Retried.Inc()
			}
			q.logger.InfoContext(ctx, "job retry scheduled",
				"job_id", job.ID, "attempt", job.RetryCount+1, "max_retries", job.MaxRetries,
				"next_run", at.Format(time.RFC3339), "error", message)
			return true, nil
		}
		if !errors.Is(err, domain.ErrStale) {
			return false, err
		}
		// Raced with cancel or a concurrent transition; fall through to
		// terminal failure, which will itself report stale if so.
	}

	if err := q.repo.MarkJobFailed(ctx, job.ID, message); err != nil {
		if errors.Is(err, domain.ErrStale) {
			return false, domain.E(domain.KindConflict, "job %d is not processing", job.ID)
		}
		return false, err
	}
	if q.metrics != nil {
		q.metrics.Failed.Inc()
	}
	q.logger.WarnContext(ctx, "job dead-lettered",
		"job_id", job.ID, "retry_count", job.RetryCount, "max_retries", job.MaxRetries, "error", message)
	return false, nil
}

// Cancel aborts a job. Queued and Retrying jobs become Cancelled here;
// Processing jobs return ErrInFlight so the engine can abort the worker;
// terminal jobs are a Conflict.
func (q *Queue) Cancel(ctx context.Context, jobID int64) error {
	job, err := q.repo.FindJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.JobQueued, domain.JobRetrying:
		if err := q.repo.CancelQueuedJob(ctx, jobID); err != nil {
			if errors.Is(err, domain.ErrStale) {
				return domain.E(domain.KindConflict, "job %d changed state during cancel", jobID)
			}
			return err
		}
		if q.metrics != nil {
			q.metrics.Cancelled.Inc()
		}
		return nil
	case domain.JobProcessing:
		return ErrInFlight
	default:
		return domain.E(domain.KindConflict, "job %d is already %s", jobID, job.Status)
	}
}
