package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is sticky: no transition may leave it.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status DAG allows s -> next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionCancelled
	case ExecutionRunning:
		return next == ExecutionCompleted || next == ExecutionFailed || next == ExecutionCancelled
	default:
		return false
	}
}

// Execution is one attempt to run a Task with concrete input.
type Execution struct {
	ID           int64
	UUID         uuid.UUID
	TaskID       int64
	JobID        *int64 // originating Job, nil for direct executions
	Input        json.RawMessage
	Output       json.RawMessage
	Status       ExecutionStatus
	ErrorMessage *string
	ErrorDetails json.RawMessage
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMS   *int64
	HTTPRequests json.RawMessage
	Progress     *float64 // percentage in [0,100]
}

// NewExecution builds a Pending execution for the task and input.
func NewExecution(taskID int64, input json.RawMessage) *Execution {
	return &Execution{
		UUID:     uuid.New(),
		TaskID:   taskID,
		Input:    input,
		Status:   ExecutionPending,
		QueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}
