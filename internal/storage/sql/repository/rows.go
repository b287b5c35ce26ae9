package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
)

// Row structs mirror table layouts; converters translate to domain types.
// Nullable columns use database/sql wrappers so both drivers scan cleanly.

type taskRow struct {
	ID           int64          `db:"id"`
	UUID         uuid.UUID      `db:"uuid"`
	Name         string         `db:"name"`
	Version      string         `db:"version"`
	Description  string         `db:"description"`
	Tags         string         `db:"tags"`
	Path         string         `db:"path"`
	Code         string         `db:"code"`
	InputSchema  sql.NullString `db:"input_schema"`
	OutputSchema sql.NullString `db:"output_schema"`
	Enabled      bool           `db:"enabled"`
	Source       string         `db:"source"`
	InSync       bool           `db:"in_sync"`
	ValidatedAt  sql.NullTime   `db:"validated_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r taskRow) toDomain() (*domain.Task, error) {
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, err
		}
	}
	return &domain.Task{
		ID:           r.ID,
		UUID:         r.UUID,
		Name:         r.Name,
		Version:      r.Version,
		Description:  r.Description,
		Tags:         tags,
		Path:         r.Path,
		Code:         r.Code,
		InputSchema:  rawJSON(r.InputSchema),
		OutputSchema: rawJSON(r.OutputSchema),
		Enabled:      r.Enabled,
		Source:       r.Source,
		InSync:       r.InSync,
		ValidatedAt:  nullableTime(r.ValidatedAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}, nil
}

type executionRow struct {
	ID           int64           `db:"id"`
	UUID         uuid.UUID       `db:"uuid"`
	TaskID       int64           `db:"task_id"`
	JobID        sql.NullInt64   `db:"job_id"`
	Input        sql.NullString  `db:"input"`
	Output       sql.NullString  `db:"output"`
	Status       string          `db:"status"`
	ErrorMessage sql.NullString  `db:"error_message"`
	ErrorDetails sql.NullString  `db:"error_details"`
	QueuedAt     time.Time       `db:"queued_at"`
	StartedAt    sql.NullTime    `db:"started_at"`
	CompletedAt  sql.NullTime    `db:"completed_at"`
	DurationMS   sql.NullInt64   `db:"duration_ms"`
	HTTPRequests sql.NullString  `db:"http_requests"`
	Progress     sql.NullFloat64 `db:"progress"`
}

func (r executionRow) toDomain() *domain.Execution {
	return &domain.Execution{
		ID:           r.ID,
		UUID:         r.UUID,
		TaskID:       r.TaskID,
		JobID:        nullableInt64(r.JobID),
		Input:        rawJSON(r.Input),
		Output:       rawJSON(r.Output),
		Status:       domain.ExecutionStatus(r.Status),
		ErrorMessage: nullableString(r.ErrorMessage),
		ErrorDetails: rawJSON(r.ErrorDetails),
		QueuedAt:     r.QueuedAt.UTC(),
		StartedAt:    nullableTime(r.StartedAt),
		CompletedAt:  nullableTime(r.CompletedAt),
		DurationMS:   nullableInt64(r.DurationMS),
		HTTPRequests: rawJSON(r.HTTPRequests),
		Progress:     nullableFloat64(r.Progress),
	}
}

type jobRow struct {
	ID                 int64          `db:"id"`
	UUID               uuid.UUID      `db:"uuid"`
	TaskID             int64          `db:"task_id"`
	ScheduleID         sql.NullInt64  `db:"schedule_id"`
	Input              sql.NullString `db:"input"`
	Priority           string         `db:"priority"`
	PriorityRank       int            `db:"priority_rank"`
	Status             string         `db:"status"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
	QueuedAt           time.Time      `db:"queued_at"`
	ProcessAt          sql.NullTime   `db:"process_at"`
	ErrorMessage       sql.NullString `db:"error_message"`
	OutputDestinations sql.NullString `db:"output_destinations"`
}

func (r jobRow) toDomain() *domain.Job {
	return &domain.Job{
		ID:                 r.ID,
		UUID:               r.UUID,
		TaskID:             r.TaskID,
		ScheduleID:         nullableInt64(r.ScheduleID),
		Input:              rawJSON(r.Input),
		Priority:           domain.Priority(r.Priority),
		Status:             domain.JobStatus(r.Status),
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		QueuedAt:           r.QueuedAt.UTC(),
		ProcessAt:          nullableTime(r.ProcessAt),
		ErrorMessage:       nullableString(r.ErrorMessage),
		OutputDestinations: rawJSON(r.OutputDestinations),
	}
}

type scheduleRow struct {
	ID                 int64          `db:"id"`
	UUID               uuid.UUID      `db:"uuid"`
	TaskID             int64          `db:"task_id"`
	Name               string         `db:"name"`
	CronExpression     string         `db:"cron_expression"`
	Input              sql.NullString `db:"input"`
	Enabled            bool           `db:"enabled"`
	NextRunAt          sql.NullTime   `db:"next_run_at"`
	LastRunAt          sql.NullTime   `db:"last_run_at"`
	ExecutionCount     int            `db:"execution_count"`
	MaxExecutions      sql.NullInt64  `db:"max_executions"`
	OutputDestinations sql.NullString `db:"output_destinations"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r scheduleRow) toDomain() *domain.Schedule {
	var maxExec *int
	if r.MaxExecutions.Valid {
		v := int(r.MaxExecutions.Int64)
		maxExec = &v
	}
	return &domain.Schedule{
		ID:                 r.ID,
		UUID:               r.UUID,
		TaskID:             r.TaskID,
		Name:               r.Name,
		CronExpression:     r.CronExpression,
		Input:              rawJSON(r.Input),
		Enabled:            r.Enabled,
		NextRunAt:          nullableTime(r.NextRunAt),
		LastRunAt:          nullableTime(r.LastRunAt),
		ExecutionCount:     r.ExecutionCount,
		MaxExecutions:      maxExec,
		OutputDestinations: rawJSON(r.OutputDestinations),
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

type deliveryRow struct {
	ID              int64          `db:"id"`
	JobID           int64          `db:"job_id"`
	ExecutionID     int64          `db:"execution_id"`
	DestinationType string         `db:"destination_type"`
	DestinationID   string         `db:"destination_id"`
	Success         bool           `db:"success"`
	DeliveryTimeMS  int64          `db:"delivery_time_ms"`
	SizeBytes       int64          `db:"size_bytes"`
	ResponseInfo    sql.NullString `db:"response_info"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r deliveryRow) toDomain() *domain.DeliveryResult {
	return &domain.DeliveryResult{
		ID:              r.ID,
		JobID:           r.JobID,
		ExecutionID:     r.ExecutionID,
		DestinationType: r.DestinationType,
		DestinationID:   r.DestinationID,
		Success:         r.Success,
		DeliveryTimeMS:  r.DeliveryTimeMS,
		SizeBytes:       r.SizeBytes,
		ResponseInfo:    nullableString(r.ResponseInfo),
		ErrorMessage:    nullableString(r.ErrorMessage),
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func strArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt64(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

func nullableFloat64(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
