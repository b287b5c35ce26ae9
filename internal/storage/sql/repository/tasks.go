package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
)

const taskColumns = `id, uuid, name, version, description, tags, path, code,
	input_schema, output_schema, enabled, source, in_sync, validated_at,
	created_at, updated_at`

var taskSortable = map[string]struct{}{
	"id": {}, "name": {}, "version": {}, "created_at": {}, "updated_at": {}, "validated_at": {},
}

// CreateTask inserts the task and fills its ID.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to encode tags")
	}
	now := nowUTC()
	task.CreatedAt, task.UpdatedAt = now, now
	if task.UUID == uuid.Nil {
		task.UUID = uuid.New()
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tasks (uuid, name, version, description, tags, path, code,
			input_schema, output_schema, enabled, source, in_sync, validated_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.UUID, task.Name, task.Version, task.Description, string(tags),
		task.Path, task.Code, jsonArg(task.InputSchema), jsonArg(task.OutputSchema),
		task.Enabled, task.Source, task.InSync, timeArg(task.ValidatedAt),
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, err, "task %q already exists", task.Name)
		}
		return domain.Wrap(domain.KindInternal, err, "failed to create task")
	}
	task.ID, err = res.LastInsertId()
	if err != nil {
		// Postgres has no LastInsertId; re-read by uuid.
		created, ferr := s.FindTaskByUUID(ctx, task.UUID)
		if ferr != nil {
			return ferr
		}
		task.ID = created.ID
	}
	return nil
}

// FindTaskByID returns the task or NotFound.
func (s *Store) FindTaskByID(ctx context.Context, id int64) (*domain.Task, error) {
	return s.findTask(ctx, "id = ?", id)
}

// FindTaskByUUID returns the task or NotFound.
func (s *Store) FindTaskByUUID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.findTask(ctx, "uuid = ?", id)
}

// FindTaskByName returns the task or NotFound.
func (s *Store) FindTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	return s.findTask(ctx, "name = ?", name)
}

func (s *Store) findTask(ctx context.Context, cond string, arg any) (*domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+taskColumns+" FROM tasks WHERE "+cond), arg)
	if err != nil {
		return nil, notFoundOr(err, "task", arg)
	}
	return row.toDomain()
}

// FindEnabledTasks lists tasks eligible for new jobs.
func (s *Store) FindEnabledTasks(ctx context.Context) ([]*domain.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+taskColumns+" FROM tasks WHERE enabled = ? ORDER BY name"), true)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to list enabled tasks")
	}
	return tasksToDomain(rows)
}

// UpdateTask persists mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, task *domain.Task) error {
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to encode tags")
	}
	task.UpdatedAt = nowUTC()

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tasks SET name = ?, version = ?, description = ?, tags = ?,
			path = ?, code = ?, input_schema = ?, output_schema = ?,
			enabled = ?, source = ?, in_sync = ?, updated_at = ?
		WHERE id = ?`),
		task.Name, task.Version, task.Description, string(tags), task.Path,
		task.Code, jsonArg(task.InputSchema), jsonArg(task.OutputSchema),
		task.Enabled, task.Source, task.InSync, task.UpdatedAt, task.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, err, "task %q already exists", task.Name)
		}
		return domain.Wrap(domain.KindInternal, err, "failed to update task")
	}
	return requireRow(res, "task", task.ID)
}

// DeleteTask removes the task row.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM tasks WHERE id = ?"), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to delete task")
	}
	return requireRow(res, "task", id)
}

// CountTasks returns the total row count.
func (s *Store) CountTasks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM tasks"); err != nil {
		return 0, domain.Wrap(domain.KindInternal, err, "failed to count tasks")
	}
	return n, nil
}

// MarkTaskValidated records a successful validation.
func (s *Store) MarkTaskValidated(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE tasks SET validated_at = ?, updated_at = ? WHERE id = ?"),
		nowUTC(), nowUTC(), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to mark task validated")
	}
	return requireRow(res, "task", id)
}

// SetTaskEnabled flips the enabled flag.
func (s *Store) SetTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE tasks SET enabled = ?, updated_at = ? WHERE id = ?"),
		enabled, nowUTC(), id)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to set task enabled")
	}
	return requireRow(res, "task", id)
}

// ListTasks returns one page of tasks matching the filters.
func (s *Store) ListTasks(ctx context.Context, filters domain.TaskFilters, page domain.Pagination, sort *domain.Sort) (domain.Page[*domain.Task], error) {
	var zero domain.Page[*domain.Task]

	b := &whereBuilder{}
	if err := b.stringFilter("name", filters.Name); err != nil {
		return zero, err
	}
	if err := b.stringFilter("version", filters.Version); err != nil {
		return zero, err
	}
	if err := b.stringFilter("source", filters.Source); err != nil {
		return zero, err
	}
	if filters.Enabled != nil {
		b.add("enabled = ?", *filters.Enabled)
	}
	if filters.InSync != nil {
		b.add("in_sync = ?", *filters.InSync)
	}
	in(b, "id", filters.IDIn)
	b.timeRange("created_at", filters.CreatedAt)
	b.timeRange("validated_at", filters.ValidatedAt)

	order, err := orderClause(sort, taskSortable, "id ASC")
	if err != nil {
		return zero, err
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.q("SELECT COUNT(*) FROM tasks"+b.where()), b.args...); err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to count tasks")
	}

	limit, limitArgs := limitClause(page)
	var rows []taskRow
	err = s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+taskColumns+" FROM tasks"+b.where()+order+limit),
		append(b.args, limitArgs...)...)
	if err != nil {
		return zero, domain.Wrap(domain.KindInternal, err, "failed to list tasks")
	}

	items, err := tasksToDomain(rows)
	if err != nil {
		return zero, err
	}
	return domain.NewPage(items, page, total), nil
}

func tasksToDomain(rows []taskRow) ([]*domain.Task, error) {
	out := make([]*domain.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "corrupt task row %d", r.ID)
		}
		out = append(out, t)
	}
	return out, nil
}
