package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
)

const scheduleColumns = `id, uuid, task_id, name, cron_expression, input,
	enabled, next_run_at, last_run_at, execution_count, max_executions,
	output_destinations, created_at, updated_at`

var scheduleSortable = map[string]struct{}{
	"id": {}, "name": {}, "next_run_at": {}, "last_run_at": {}, "execution_count": {}, "created_at": {},
}

// CreateSchedule inserts the schedule and fills its ID.
func (s *Store) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	if sched.UUID == uuid.Nil {
		sched.UUID = uuid.New()
	}
	now := nowUTC()
	sched.CreatedAt, sched.UpdatedAt = now, now

	var maxExec any
	if sched.MaxExecutions != nil {
		maxExec = *sched.MaxExecutions
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO schedules (uuid, task_id, name, cron_expression, input, enabled,
			next_run_at, last_run_at, execution_count, max_executions,
			output_destinations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sched.UUID, sched.TaskID, sched.Name, sched.CronExpression,
		jsonArg(sched.Input), sched.Enabled, timeArg(sched.NextRunAt),
		timeArg(sched.LastRunAt), sched.ExecutionCount, maxExec,
		jsonArg(sched.OutputDestinations), sched.CreatedAt, sched.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, err, "schedule %q already exists", sched.Name)
		}
		return domain.Wrap(domain.KindInternal, err, "failed to create schedule")
	}
	sched.ID, err = res.LastInsertId()
	if err != nil {
		created, ferr := s.FindScheduleByUUID(ctx, sched.UUID)
		if ferr != nil {
			return ferr
		}
		sched.ID = created.ID
	}
	return nil
}

// FindScheduleByID returns the schedule or NotFound.
func (s *Store) FindScheduleByID(ctx context.Context, id int64) (*domain.Schedule, error) {
	return s.findSchedule(ctx, "id = ?", id)
}

// FindScheduleByUUID returns the schedule or NotFound.
func (s *Store) FindScheduleByUUID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return s.findSchedule(ctx, "uuid = ?", id)
}

// FindScheduleByName returns the schedule or NotFound.
func (s *Store) FindScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	return s.findSchedule(ctx, "name = ?", name)
}

func (s *Store) findSchedule(ctx context.Context, cond string, arg any) (*domain.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+scheduleColumns+" FROM schedules WHERE "+cond), arg)
	if err != nil {
		return nil, notFoundOr(err, "schedule", arg)
	}
	return row.toDomain(), nil
}

// FindEnabledSchedules lists all enabled schedules ordered by id.
func (s *Store) FindEnabledSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+scheduleColumns+" FROM schedules WHERE enabled = ? ORDER BY id"), true)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to list enabled schedules")
	}
	return schedulesToDomain(rows), nil
}

// FindSchedulesReadyToRun lists enabled schedules due at or before now,
// ordered by due time then id so fires are deterministic.
func (s *Store) FindSchedulesReadyToRun(ctx context.Context, now time.Time) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC`),
		true, now.UTC())
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to list ready schedules")
	}
	return schedulesToDomain(rows), nil
}

// UpdateSchedule persists mutable schedule fields.
func (s *Store) UpdateSchedule(ctx context.Context, sched *domain.Schedule) error {
	sched.UpdatedAt = nowUTC()
	var maxExec any
	if sched.MaxExecutions != nil {
		maxExec = *sched.MaxExecutions
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE schedules SET name = ?, cron_expression = ?, input = ?, enabled = ?,
			next_run_at = ?, max_executions = ?, output_destinations = ?, updated_at = ?
		WHERE id = ?`),
		sched.Name, sched.CronExpression, jsonArg(sched.Input), sched.Enabled,
		timeArg(sched.NextRunAt), maxExec, jsonArg(sched.OutputDestinations),
		sched.UpdatedAt, sched.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, err, "schedule %q already exists", sched.Name)
		}
		return domain.Wrap(domain.KindInternal, err, "failed to update schedule")
	}
	return requireRow(res, "schedule", sched.ID)
}

// DeleteSchedule removes the schedule row.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM schedules WHERE id = ?"), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to delete schedule")
	}
	return requireRow(res, "schedule", id)
}

// UpdateScheduleNextRun advances next_run_at. Monotonic: the update only
// lands when the stored value is older or unset.
func (s *Store) UpdateScheduleNextRun(ctx context.Context, id int64, next time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE schedules SET next_run_at = ?, updated_at = ?
		WHERE id = ? AND (next_run_at IS NULL OR next_run_at < ?)`),
		next.UTC(), nowUTC(), id, next.UTC())
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to update schedule next run")
	}
	return requireTransition(res)
}

// RecordScheduleExecution bumps the fire counter and stamps last_run_at;
// the schedule disables itself on reaching max_executions.
func (s *Store) RecordScheduleExecution(ctx context.Context, id int64, firedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE schedules SET execution_count = execution_count + 1, last_run_at = ?,
			enabled = CASE
				WHEN max_executions IS NOT NULL AND execution_count + 1 >= max_executions THEN ?
				ELSE enabled
			END,
			updated_at = ?
		WHERE id = ?`),
		firedAt.UTC(), false, nowUTC(), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to record schedule execution")
	}
	return requireRow(res, "schedule", id)
}

// SetScheduleEnabled flips the enabled flag.
func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?"),
		enabled, nowUTC(), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to set schedule enabled")
	}
	return requireRow(res, "schedule", id)
}

// CountSchedules returns the total row count.
func (s *Store) CountSchedules(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM schedules"); err != nil {
		return 0, domain.Wrap(domain.KindInternal, err, "failed to count schedules")
	}
	return n, nil
}

// ListSchedules returns one page of schedules matching the filters.
func (s *Store) ListSchedules(ctx context.Context, filters domain.ScheduleFilters, page domain.Pagination, sort *domain.Sort) (domain.Page[*domain.Schedule], error) {
	var zero domain.Page[*domain.Schedule]

	b := &whereBuilder{}
	if err := b.stringFilter("name", filters.Name); err != nil {
		return zero, err
	}
	if filters.TaskID != nil {
		b.add("task_id = ?", *filters.TaskID)
	}
	if filters.Enabled != nil {
		b.add("enabled = ?", *filters.Enabled)
	}
	in(b, "id", filters.IDIn)
	b.timeRange("next_run_at", filters.NextRunAt)

	order, err := orderClause(sort, scheduleSortable, "id ASC")
	if err != nil {
		return zero, err
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.q("SELECT COUNT(*) FROM schedules"+b.where()), b.args...); err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to count schedules")
	}

	limit, limitArgs := limitClause(page)
	var rows []scheduleRow
	err = s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+scheduleColumns+" FROM schedules"+b.where()+order+limit),
		append(b.args, limitArgs...)...)
	if err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to list schedules")
	}

	return domain.NewPage(schedulesToDomain(rows), page, total), nil
}

func schedulesToDomain(rows []scheduleRow) []*domain.Schedule {
	out := make([]*domain.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
