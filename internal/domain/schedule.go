package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Schedule is a persistent cron-driven Job generator. Cron expressions
// use six fields (second minute hour day-of-month month day-of-week).
type Schedule struct {
	ID                 int64
	UUID               uuid.UUID
	TaskID             int64
	Name               string
	CronExpression     string
	Input              json.RawMessage
	Enabled            bool
	NextRunAt          *time.Time
	LastRunAt          *time.Time
	ExecutionCount     int
	MaxExecutions      *int
	OutputDestinations json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewSchedule builds an enabled schedule for the task.
func NewSchedule(taskID int64, name, cronExpression string, input json.RawMessage) *Schedule {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Schedule{
		UUID:           uuid.New(),
		TaskID:         taskID,
		Name:           name,
		CronExpression: cronExpression,
		Input:          input,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Exhausted reports whether the schedule has reached its execution cap.
func (s *Schedule) Exhausted() bool {
	return s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions
}
