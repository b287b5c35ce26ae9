package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
)

const executionColumns = `id, uuid, task_id, job_id, input, output, status,
	error_message, error_details, queued_at, started_at, completed_at,
	duration_ms, http_requests, progress`

var executionSortable = map[string]struct{}{
	"id": {}, "status": {}, "queued_at": {}, "started_at": {}, "completed_at": {}, "duration_ms": {},
}

// CreateExecution inserts a Pending execution and fills its ID.
func (s *Store) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.UUID == uuid.Nil {
		exec.UUID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionPending
	}
	if exec.QueuedAt.IsZero() {
		exec.QueuedAt = nowUTC()
	}

	var jobID any
	if exec.JobID != nil {
		jobID = *exec.JobID
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO executions (uuid, task_id, job_id, input, status, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		exec.UUID, exec.TaskID, jobID, jsonArg(exec.Input), string(exec.Status), exec.QueuedAt)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to create execution")
	}
	exec.ID, err = res.LastInsertId()
	if err != nil {
		created, ferr := s.FindExecutionByUUID(ctx, exec.UUID)
		if ferr != nil {
			return ferr
		}
		exec.ID = created.ID
	}
	return nil
}

// FindExecutionByID returns the execution or NotFound.
func (s *Store) FindExecutionByID(ctx context.Context, id int64) (*domain.Execution, error) {
	return s.findExecution(ctx, "id = ?", id)
}

// FindExecutionByUUID returns the execution or NotFound.
func (s *Store) FindExecutionByUUID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	return s.findExecution(ctx, "uuid = ?", id)
}

func (s *Store) findExecution(ctx context.Context, cond string, arg any) (*domain.Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+executionColumns+" FROM executions WHERE "+cond), arg)
	if err != nil {
		return nil, notFoundOr(err, "execution", arg)
	}
	return row.toDomain(), nil
}

// FindExecutionsByTaskID lists executions of one task, newest first.
func (s *Store) FindExecutionsByTaskID(ctx context.Context, taskID int64) ([]*domain.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+executionColumns+" FROM executions WHERE task_id = ? ORDER BY id DESC"), taskID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to list executions for task")
	}
	out := make([]*domain.Execution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MarkExecutionStarted moves Pending -> Running. Lost races return ErrStale.
func (s *Store) MarkExecutionStarted(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`),
		string(domain.ExecutionRunning), nowUTC(), id, string(domain.ExecutionPending))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark execution started")
	}
	return requireTransition(res)
}

// MarkExecutionCompleted moves Running -> Completed and records output and
// timing. duration_ms = completed_at - started_at.
func (s *Store) MarkExecutionCompleted(ctx context.Context, id int64, output json.RawMessage, startedAt, completedAt time.Time) error {
	duration := completedAt.Sub(startedAt).Milliseconds()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET status = ?, output = ?, completed_at = ?, duration_ms = ?, progress = 100
		WHERE id = ? AND status = ?`),
		string(domain.ExecutionCompleted), jsonArg(output), completedAt.UTC(), duration,
		id, string(domain.ExecutionRunning))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark execution completed")
	}
	return requireTransition(res)
}

// MarkExecutionFailed moves Pending|Running -> Failed.
func (s *Store) MarkExecutionFailed(ctx context.Context, id int64, message string, details json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET status = ?, error_message = ?, error_details = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		string(domain.ExecutionFailed), message, jsonArg(details), nowUTC(),
		id, string(domain.ExecutionPending), string(domain.ExecutionRunning))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark execution failed")
	}
	return requireTransition(res)
}

// MarkExecutionCancelled moves Pending|Running -> Cancelled.
func (s *Store) MarkExecutionCancelled(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		string(domain.ExecutionCancelled), nowUTC(),
		id, string(domain.ExecutionPending), string(domain.ExecutionRunning))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark execution cancelled")
	}
	return requireTransition(res)
}

// UpdateExecutionProgress records a progress percentage for a Running
// execution. Terminal rows are left untouched.
func (s *Store) UpdateExecutionProgress(ctx context.Context, id int64, progress float64) error {
	if progress < 0 || progress > 100 {
		return domain.E(domain.KindValidation, "progress must be in [0,100], got %g", progress)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET progress = ? WHERE id = ? AND status = ?`),
		progress, id, string(domain.ExecutionRunning))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to update execution progress")
	}
	return nil
}

// SetExecutionHTTPRequests attaches the recorded outbound request log.
func (s *Store) SetExecutionHTTPRequests(ctx context.Context, id int64, requests json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE executions SET http_requests = ? WHERE id = ?`),
		jsonArg(requests), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to set execution http requests")
	}
	return nil
}

// DeleteExecution prunes a terminal execution row. Live rows are a
// Conflict: field mutation goes through the transition methods only.
func (s *Store) DeleteExecution(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM executions WHERE id = ? AND status IN (?, ?, ?)`),
		id, string(domain.ExecutionCompleted), string(domain.ExecutionFailed), string(domain.ExecutionCancelled))
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to delete execution")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, ferr := s.FindExecutionByID(ctx, id); ferr != nil {
			return ferr
		}
		return domain.E(domain.KindConflict, "execution %d is not terminal", id)
	}
	return nil
}

// CountExecutions returns the total row count.
func (s *Store) CountExecutions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM executions"); err != nil {
		return 0, domain.Wrap(domain.KindInternal, err, "failed to count executions")
	}
	return n, nil
}

// ListExecutions returns one page of executions matching the filters.
func (s *Store) ListExecutions(ctx context.Context, filters domain.ExecutionFilters, page domain.Pagination, sort *domain.Sort) (domain.Page[*domain.Execution], error) {
	var zero domain.Page[*domain.Execution]

	b := &whereBuilder{}
	if filters.TaskID != nil {
		b.add("task_id = ?", *filters.TaskID)
	}
	if filters.JobID != nil {
		b.add("job_id = ?", *filters.JobID)
	}
	in(b, "status", filters.StatusIn)
	in(b, "id", filters.IDIn)
	b.timeRange("queued_at", filters.QueuedAt)
	b.timeRange("completed_at", filters.CompletedAt)

	order, err := orderClause(sort, executionSortable, "id DESC")
	if err != nil {
		return zero, err
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.q("SELECT COUNT(*) FROM executions"+b.where()), b.args...); err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to count executions")
	}

	limit, limitArgs := limitClause(page)
	var rows []executionRow
	err = s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+executionColumns+" FROM executions"+b.where()+order+limit),
		append(b.args, limitArgs...)...)
	if err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to list executions")
	}

	items := make([]*domain.Execution, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return domain.NewPage(items, page, total), nil
}
