// Package ipc defines the coordinator<->worker wire protocol: one JSON
// envelope per line over the child's stdin/stdout, every request carrying
// a correlation id that its response echoes. Stderr stays free for logs.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the payload union.
type MessageType string

const (
	// Coordinator -> worker.
	TypeExecuteTask  MessageType = "execute_task"
	TypeValidateTask MessageType = "validate_task"
	TypePing         MessageType = "ping"
	TypeShutdown     MessageType = "shutdown"

	// Worker -> coordinator.
	TypeReady            MessageType = "ready"
	TypeTaskResult       MessageType = "task_result"
	TypeValidationResult MessageType = "validation_result"
	TypePong             MessageType = "pong"
	TypeError            MessageType = "error"
)

// Message is any payload carried by an Envelope.
type Message interface {
	Type() MessageType
}

// ExecuteTask asks the worker to run a task.
type ExecuteTask struct {
	JobID         int64           `json:"job_id"`
	TaskID        int64           `json:"task_id"`
	TaskPath      string          `json:"task_path"`
	InputData     json.RawMessage `json:"input_data"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
}

func (ExecuteTask) Type() MessageType { return TypeExecuteTask }

// ValidateTask asks the worker to validate a task directory.
type ValidateTask struct {
	TaskPath      string    `json:"task_path"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

func (ValidateTask) Type() MessageType { return TypeValidateTask }

// Ping checks worker liveness.
type Ping struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
}

func (Ping) Type() MessageType { return TypePing }

// Shutdown asks the worker to exit cleanly.
type Shutdown struct{}

func (Shutdown) Type() MessageType { return TypeShutdown }

// Ready is the first message a worker sends after start.
type Ready struct {
	WorkerID string `json:"worker_id"`
}

func (Ready) Type() MessageType { return TypeReady }

// ExecutionResult carries the outcome of one task run.
type ExecutionResult struct {
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	DurationMS   int64           `json:"duration_ms"`
}

// TaskResult answers an ExecuteTask.
type TaskResult struct {
	JobID         int64           `json:"job_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Result        ExecutionResult `json:"result"`
}

func (TaskResult) Type() MessageType { return TypeTaskResult }

// ValidationOutcome carries the outcome of a ValidateTask.
type ValidationOutcome struct {
	Valid        bool            `json:"valid"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
}

// ValidationResult answers a ValidateTask.
type ValidationResult struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	Result        ValidationOutcome `json:"result"`
}

func (ValidationResult) Type() MessageType { return TypeValidationResult }

// WorkerStatus is the worker's self-reported state in a Pong.
type WorkerStatus struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	TasksExecuted int       `json:"tasks_executed"`
	TasksFailed   int       `json:"tasks_failed"`
}

// Pong answers a Ping.
type Pong struct {
	CorrelationID uuid.UUID    `json:"correlation_id"`
	WorkerID      string       `json:"worker_id"`
	Status        WorkerStatus `json:"status"`
}

func (Pong) Type() MessageType { return TypePong }

// Error kinds reported over the wire.
const (
	ErrKindMessageParse = "message_parse_error"
	ErrKindTaskNotFound = "task_not_found"
	ErrKindInternal     = "internal"
	ErrKindUnsupported  = "unsupported_message"
)

// WireError reports a worker-side protocol or runtime failure.
type WireError struct {
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
	Kind          string     `json:"kind"`
	Message       string     `json:"message"`
}

func (WireError) Type() MessageType { return TypeError }

// CorrelationOf extracts the correlation id of a response message.
func CorrelationOf(msg Message) (uuid.UUID, bool) {
	switch m := msg.(type) {
	case TaskResult:
		return m.CorrelationID, true
	case ValidationResult:
		return m.CorrelationID, true
	case Pong:
		return m.CorrelationID, true
	case WireError:
		if m.CorrelationID != nil {
			return *m.CorrelationID, true
		}
	}
	return uuid.Nil, false
}
