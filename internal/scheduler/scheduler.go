// Package scheduler fires cron-driven schedules into the job queue. It is
// a single cooperative poll loop; a database lease keeps at most one
// instance firing across a fleet.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/queue"
)

// leaseName is the shared leader lease key.
const leaseName = "scheduler"

// Repository is the slice of the store the scheduler needs.
type Repository interface {
	CreateSchedule(ctx context.Context, sched *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	FindScheduleByID(ctx context.Context, id int64) (*domain.Schedule, error)
	FindEnabledSchedules(ctx context.Context) ([]*domain.Schedule, error)
	FindSchedulesReadyToRun(ctx context.Context, now time.Time) ([]*domain.Schedule, error)
	UpdateScheduleNextRun(ctx context.Context, id int64, next time.Time) error
	RecordScheduleExecution(ctx context.Context, id int64, firedAt time.Time) error
	SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error
	TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Enqueuer turns due schedules into jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*domain.Job, error)
}

// Scheduler drives schedule fires.
type Scheduler struct {
	repo         Repository
	jobs         Enqueuer
	pollInterval time.Duration
	holderID     string
	logger       *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the tick interval (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a scheduler over the repository and queue.
func New(repo Repository, jobs Enqueuer, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:         repo,
		jobs:         jobs,
		pollInterval: time.Second,
		holderID:     "scheduler-" + uuid.NewString()[:8],
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// AddSchedule validates the cron expression, computes the first fire, and
// persists the schedule.
func (s *Scheduler) AddSchedule(ctx context.Context, sched *domain.Schedule) error {
	cron, err := ParseCron(sched.CronExpression)
	if err != nil {
		return err
	}
	if sched.NextRunAt == nil {
		next := cron.NextAfter(time.Now().UTC())
		if next.IsZero() {
			return domain.E(domain.KindValidation, "cron expression %q never fires", sched.CronExpression)
		}
		sched.NextRunAt = &next
	}
	return s.repo.CreateSchedule(ctx, sched)
}

// RemoveSchedule deletes the schedule. The tick reloads due schedules
// from the store, so a removed schedule cannot fire afterwards.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id int64) error {
	return s.repo.DeleteSchedule(ctx, id)
}

// SetEnabled flips a schedule and recomputes its next fire on enable.
func (s *Scheduler) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.repo.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	sched, err := s.repo.FindScheduleByID(ctx, id)
	if err != nil {
		return err
	}
	return s.normalize(ctx, sched, time.Now().UTC())
}

// Start launches the poll loop. Idempotent: a running scheduler is left
// alone.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	if err := s.normalizeAll(ctx); err != nil {
		s.logger.WarnContext(ctx, "schedule normalization failed", "error", err)
	}

	go s.run(ctx, done, stopped)
	s.logger.InfoContext(ctx, "scheduler started",
		"poll_interval", s.pollInterval, "holder", s.holderID)
	return nil
}

// Stop halts the loop gracefully: the current tick completes and no new
// tick begins. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

func (s *Scheduler) run(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.repo.ReleaseLease(releaseCtx, leaseName, s.holderID)
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: renew the leader lease, load due
// schedules, and fire each. Per-schedule errors are logged and skipped;
// one bad schedule must not stop the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	leader, err := s.repo.TryAcquireLease(ctx, leaseName, s.holderID, 3*s.pollInterval+time.Second)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler lease check failed", "error", err)
		return
	}
	if !leader {
		return
	}

	now := time.Now().UTC()
	due, err := s.repo.FindSchedulesReadyToRun(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.ErrorContext(ctx, "schedule fire failed",
				"schedule_id", sched.ID, "schedule", sched.Name, "error", err)
		}
	}
}

// fire advances one due schedule and enqueues its job. Advancing
// next_run_at doubles as the claim: a stale advance means another
// instance already fired this due time.
func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	cron, err := ParseCron(sched.CronExpression)
	if err != nil {
		// Unparseable rows cannot fire; disable instead of erroring every tick.
		s.logger.ErrorContext(ctx, "disabling schedule with invalid cron expression",
			"schedule_id", sched.ID, "expression", sched.CronExpression)
		return s.repo.SetScheduleEnabled(ctx, sched.ID, false)
	}

	// Collapse catch-up: when several fires were missed only the most
	// recent due time fires.
	if sched.NextRunAt != nil && now.Sub(*sched.NextRunAt) > s.pollInterval {
		s.logger.WarnContext(ctx, "schedule missed fires; collapsing catch-up",
			"schedule_id", sched.ID, "schedule", sched.Name,
			"next_run_at", sched.NextRunAt.Format(time.RFC3339), "now", now.Format(time.RFC3339))
	}

	next := cron.NextAfter(now)
	if next.IsZero() {
		s.logger.WarnContext(ctx, "schedule has no future fire; disabling",
			"schedule_id", sched.ID, "schedule", sched.Name)
		return s.repo.SetScheduleEnabled(ctx, sched.ID, false)
	}

	if err := s.repo.UpdateScheduleNextRun(ctx, sched.ID, next); err != nil {
		if errors.Is(err, domain.ErrStale) {
			return nil // another instance got there first
		}
		return err
	}

	input := sched.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	job, err := s.jobs.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:             sched.TaskID,
		ScheduleID:         &sched.ID,
		Input:              input,
		Priority:           domain.PriorityNormal,
		OutputDestinations: sched.OutputDestinations,
	})
	if err != nil {
		return err
	}

	if err := s.repo.RecordScheduleExecution(ctx, sched.ID, now); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "schedule fired",
		"schedule_id", sched.ID, "schedule", sched.Name, "job_id", job.ID,
		"next_run", next.Format(time.RFC3339))
	return nil
}

// normalizeAll computes the next fire for enabled schedules whose
// next_run_at is null or in the past; missed historical fires are not
// back-filled.
func (s *Scheduler) normalizeAll(ctx context.Context) error {
	schedules, err := s.repo.FindEnabledSchedules(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sched := range schedules {
		if err := s.normalize(ctx, sched, now); err != nil {
			s.logger.WarnContext(ctx, "failed to normalize schedule",
				"schedule_id", sched.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) normalize(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
		return nil
	}
	cron, err := ParseCron(sched.CronExpression)
	if err != nil {
		return err
	}
	next := cron.NextAfter(now)
	if next.IsZero() {
		return s.repo.SetScheduleEnabled(ctx, sched.ID, false)
	}
	err = s.repo.UpdateScheduleNextRun(ctx, sched.ID, next)
	if errors.Is(err, domain.ErrStale) {
		return nil
	}
	return err
}
