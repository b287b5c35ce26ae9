package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
)

const jobColumns = `id, uuid, task_id, schedule_id, input, priority,
	priority_rank, status, retry_count, max_retries, queued_at, process_at,
	error_message, output_destinations`

var jobSortable = map[string]struct{}{
	"id": {}, "status": {}, "priority_rank": {}, "queued_at": {}, "process_at": {},
}

// CreateJob inserts a Queued job and fills its ID.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.UUID == uuid.Nil {
		job.UUID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobQueued
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = nowUTC()
	}

	var scheduleID any
	if job.ScheduleID != nil {
		scheduleID = *job.ScheduleID
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (uuid, task_id, schedule_id, input, priority, priority_rank,
			status, retry_count, max_retries, queued_at, process_at, output_destinations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.UUID, job.TaskID, scheduleID, jsonArg(job.Input),
		string(job.Priority), job.Priority.Rank(), string(job.Status),
		job.RetryCount, job.MaxRetries, job.QueuedAt, timeArg(job.ProcessAt),
		jsonArg(job.OutputDestinations))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to create job")
	}
	job.ID, err = res.LastInsertId()
	if err != nil {
		created, ferr := s.FindJobByUUID(ctx, job.UUID)
		if ferr != nil {
			return ferr
		}
		job.ID = created.ID
	}
	return nil
}

// FindJobByID returns the job or NotFound.
func (s *Store) FindJobByID(ctx context.Context, id int64) (*domain.Job, error) {
	return s.findJob(ctx, "id = ?", id)
}

// FindJobByUUID returns the job or NotFound.
func (s *Store) FindJobByUUID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.findJob(ctx, "uuid = ?", id)
}

func (s *Store) findJob(ctx context.Context, cond string, arg any) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+jobColumns+" FROM jobs WHERE "+cond), arg)
	if err != nil {
		return nil, notFoundOr(err, "job", arg)
	}
	return row.toDomain(), nil
}

// FindJobsReadyForProcessing returns Queued or Retrying jobs whose
// process_at has passed, ordered by priority then submission time.
func (s *Store) FindJobsReadyForProcessing(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND (process_at IS NULL OR process_at <= ?)
		ORDER BY priority_rank DESC, queued_at ASC, id ASC
		LIMIT ?`),
		string(domain.JobQueued), string(domain.JobRetrying), nowUTC(), limit)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to find ready jobs")
	}
	out := make([]*domain.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MarkJobProcessing moves Queued|Retrying -> Processing. A lost dequeue
// race returns ErrStale so the caller picks another job.
func (s *Store) MarkJobProcessing(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ? WHERE id = ? AND status IN (?, ?)`),
		string(domain.JobProcessing), id,
		string(domain.JobQueued), string(domain.JobRetrying))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark job processing")
	}
	return requireTransition(res)
}

// MarkJobCompleted moves Processing -> Completed.
func (s *Store) MarkJobCompleted(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, error_message = NULL WHERE id = ? AND status = ?`),
		string(domain.JobCompleted), id, string(domain.JobProcessing))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark job completed")
	}
	return requireTransition(res)
}

// MarkJobFailed moves Processing -> Failed once the retry budget is spent.
func (s *Store) MarkJobFailed(ctx context.Context, id int64, message string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, error_message = ? WHERE id = ? AND status = ?`),
		string(domain.JobFailed), message, id, string(domain.JobProcessing))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark job failed")
	}
	return requireTransition(res)
}

// ScheduleJobRetry moves Processing -> Retrying, charging one retry and
// setting the earliest next attempt time.
func (s *Store) ScheduleJobRetry(ctx context.Context, id int64, at time.Time, message string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, retry_count = retry_count + 1, process_at = ?, error_message = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries`),
		string(domain.JobRetrying), at.UTC(), message, id, string(domain.JobProcessing))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to schedule job retry")
	}
	return requireTransition(res)
}

// CancelQueuedJob moves Queued|Retrying -> Cancelled. Terminal rows
// surface as Conflict; Processing rows need the executor-side path.
func (s *Store) CancelQueuedJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ? WHERE id = ? AND status IN (?, ?)`),
		string(domain.JobCancelled), id,
		string(domain.JobQueued), string(domain.JobRetrying))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to cancel job")
	}
	return requireTransition(res)
}

// CancelProcessingJob moves Processing -> Cancelled after the executor
// has aborted the in-flight work.
func (s *Store) CancelProcessingJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ? WHERE id = ? AND status = ?`),
		string(domain.JobCancelled), id, string(domain.JobProcessing))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to cancel processing job")
	}
	return requireTransition(res)
}

// DeleteJob prunes a terminal job row. Live rows are a Conflict.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM jobs WHERE id = ? AND status IN (?, ?, ?)`),
		id, string(domain.JobCompleted), string(domain.JobFailed), string(domain.JobCancelled))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to delete job")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, ferr := s.FindJobByID(ctx, id); ferr != nil {
			return ferr
		}
		return domain.E(domain.KindConflict, "job %d is not terminal", id)
	}
	return nil
}

// CountJobs returns the total row count.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM jobs"); err != nil {
		return 0, domain.Wrap(domain.KindInternal, err, "failed to count jobs")
	}
	return n, nil
}

// ListJobs returns one page of jobs matching the filters.
func (s *Store) ListJobs(ctx context.Context, filters domain.JobFilters, page domain.Pagination, sort *domain.Sort) (domain.Page[*domain.Job], error) {
	var zero domain.Page[*domain.Job]

	b := &whereBuilder{}
	if filters.TaskID != nil {
		b.add("task_id = ?", *filters.TaskID)
	}
	if filters.ScheduleID != nil {
		b.add("schedule_id = ?", *filters.ScheduleID)
	}
	in(b, "status", filters.StatusIn)
	in(b, "priority", filters.PriorityIn)
	in(b, "id", filters.IDIn)
	b.timeRange("queued_at", filters.QueuedAt)

	order, err := orderClause(sort, jobSortable, "id DESC")
	if err != nil {
		return zero, err
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.q("SELECT COUNT(*) FROM jobs"+b.where()), b.args...); err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to count jobs")
	}

	limit, limitArgs := limitClause(page)
	var rows []jobRow
	err = s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+jobColumns+" FROM jobs"+b.where()+order+limit),
		append(b.args, limitArgs...)...)
	if err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to list jobs")
	}

	items := make([]*domain.Job, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return domain.NewPage(items, page, total), nil
}
