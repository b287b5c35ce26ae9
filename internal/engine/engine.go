// Package engine drives queued jobs through the executor: claim, create
// the execution row, dispatch to a worker, record the outcome, deliver
// output, and apply retry policy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/executor"
	"github.com/ratchetd/ratchet/internal/queue"
)

// Repository is the slice of the store the engine needs.
type Repository interface {
	FindTaskByID(ctx context.Context, id int64) (*domain.Task, error)
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	FindExecutionByID(ctx context.Context, id int64) (*domain.Execution, error)
	MarkExecutionStarted(ctx context.Context, id int64) error
	MarkExecutionCompleted(ctx context.Context, id int64, out json.RawMessage, startedAt, completedAt time.Time) error
	MarkExecutionFailed(ctx context.Context, id int64, message string, details json.RawMessage) error
	MarkExecutionCancelled(ctx context.Context, id int64) error
	CancelProcessingJob(ctx context.Context, id int64) error
}

// Executor is the process pool as the engine sees it.
type Executor interface {
	Execute(ctx context.Context, jobID, taskID int64, taskPath string, input json.RawMessage, timeout time.Duration) (*executor.ExecutionOutcome, error)
	KillJob(jobID int64) bool
}

// Deliverer fans output out to a job's destinations.
type Deliverer interface {
	DeliverAll(ctx context.Context, job *domain.Job, exec *domain.Execution, taskName string) ([]*domain.DeliveryResult, error)
}

// Engine is the job-processing loop.
type Engine struct {
	repo      Repository
	queue     *queue.Queue
	exec      Executor
	deliverer Deliverer
	logger    *slog.Logger

	pollInterval time.Duration
	claimLimit   int
	engineID     string

	mu        sync.Mutex
	done      chan struct{}
	running   bool
	wg        sync.WaitGroup
	cancelled map[int64]struct{} // jobs cancelled while Processing
}

// Option configures the Engine.
type Option func(*Engine)

// WithPollInterval overrides the claim poll interval (default 500ms).
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithClaimLimit bounds jobs claimed per poll (default 4).
func WithClaimLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.claimLimit = n
		}
	}
}

// New wires the engine.
func New(repo Repository, q *queue.Queue, exec Executor, deliverer Deliverer, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:         repo,
		queue:        q,
		exec:         exec,
		deliverer:    deliverer,
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
		claimLimit:   4,
		engineID:     "engine-" + uuid.NewString()[:8],
		cancelled:    make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Start launches the claim loop. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.run(ctx, done)
	e.logger.InfoContext(ctx, "engine started", "engine_id", e.engineID)
	return nil
}

// Stop halts claiming and waits for in-flight jobs.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Poll claims ready jobs and processes each on its own goroutine.
func (e *Engine) Poll(ctx context.Context) {
	jobs, err := e.queue.Claim(ctx, e.claimLimit, e.engineID)
	if err != nil {
		e.logger.ErrorContext(ctx, "claim failed", "error", err)
		return
	}
	for _, job := range jobs {
		e.wg.Add(1)
		go func(job *domain.Job) {
			defer e.wg.Done()
			e.Process(ctx, job)
		}(job)
	}
}

// Process runs one claimed job to a terminal or retrying state.
func (e *Engine) Process(ctx context.Context, job *domain.Job) {
	task, err := e.repo.FindTaskByID(ctx, job.TaskID)
	if err != nil {
		e.failJob(ctx, job, nil, "task lookup failed: "+err.Error(), nil)
		return
	}

	exec := domain.NewExecution(job.TaskID, job.Input)
	exec.JobID = &job.ID
	exec.QueuedAt = job.QueuedAt
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		e.failJob(ctx, job, nil, "execution create failed: "+err.Error(), nil)
		return
	}
	if err := e.repo.MarkExecutionStarted(ctx, exec.ID); err != nil && !errors.Is(err, domain.ErrStale) {
		e.logger.ErrorContext(ctx, "failed to mark execution started",
			"job_id", job.ID, "execution_id", exec.ID, "error", err)
	}

	outcome, err := e.exec.Execute(ctx, job.ID, task.ID, task.Path, job.Input, 0)

	if e.consumeCancelled(job.ID) {
		// Cancel killed the worker under this job; retry does not apply.
		_ = e.repo.MarkExecutionCancelled(ctx, exec.ID)
		if err := e.repo.CancelProcessingJob(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrStale) {
			e.logger.ErrorContext(ctx, "failed to cancel job row", "job_id", job.ID, "error", err)
		}
		e.logger.InfoContext(ctx, "job cancelled mid-flight", "job_id", job.ID, "execution_id", exec.ID)
		return
	}

	if err != nil {
		// Executor-level failure: crash, timeout, pool saturation.
		e.failJob(ctx, job, exec, err.Error(), nil)
		return
	}

	if !outcome.Success {
		e.failJob(ctx, job, exec, outcome.ErrorMessage, outcome.ErrorDetails)
		return
	}

	if err := e.repo.MarkExecutionCompleted(ctx, exec.ID, outcome.Output, outcome.StartedAt, outcome.CompletedAt); err != nil && !errors.Is(err, domain.ErrStale) {
		e.logger.ErrorContext(ctx, "failed to mark execution completed",
			"job_id", job.ID, "execution_id", exec.ID, "error", err)
	}

	// Deliveries all finish before the job completes; failures are
	// recorded and logged but never revert the execution.
	if completed, ferr := e.repo.FindExecutionByID(ctx, exec.ID); ferr == nil {
		if _, derr := e.deliverer.DeliverAll(ctx, job, completed, task.Name); derr != nil {
			e.logger.WarnContext(ctx, "output delivery reported failures",
				"job_id", job.ID, "execution_id", exec.ID, "error", derr)
		}
	}

	if err := e.queue.Complete(ctx, job.ID); err != nil {
		e.logger.ErrorContext(ctx, "failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	e.logger.InfoContext(ctx, "job completed",
		"job_id", job.ID, "execution_id", exec.ID, "duration_ms", outcome.DurationMS)
}

// failJob records the failed execution and applies retry policy.
func (e *Engine) failJob(ctx context.Context, job *domain.Job, exec *domain.Execution, message string, details json.RawMessage) {
	if exec != nil {
		if err := e.repo.MarkExecutionFailed(ctx, exec.ID, message, details); err != nil && !errors.Is(err, domain.ErrStale) {
			e.logger.ErrorContext(ctx, "failed to mark execution failed",
				"execution_id", exec.ID, "error", err)
		}
	}
	retried, err := e.queue.Fail(ctx, job, message)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to apply retry policy", "job_id", job.ID, "error", err)
		return
	}
	if !retried {
		e.logger.WarnContext(ctx, "job failed terminally", "job_id", job.ID, "error", message)
	}
}

// Cancel aborts a job in any non-terminal state. Queued and Retrying
// cancel in the store; Processing kills the owning worker and marks both
// rows Cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID int64) error {
	err := e.queue.Cancel(ctx, jobID)
	if !errors.Is(err, queue.ErrInFlight) {
		return err
	}

	e.mu.Lock()
	e.cancelled[jobID] = struct{}{}
	e.mu.Unlock()

	if !e.exec.KillJob(jobID) {
		// The job finished between the status read and the kill; report
		// the conflict the terminal state implies.
		e.mu.Lock()
		delete(e.cancelled, jobID)
		e.mu.Unlock()
		return domain.E(domain.KindConflict, "job %d is no longer processing", jobID)
	}
	return nil
}

func (e *Engine) consumeCancelled(jobID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cancelled[jobID]; ok {
		delete(e.cancelled, jobID)
		return true
	}
	return false
}
