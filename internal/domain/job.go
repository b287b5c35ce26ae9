package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs at dequeue time. Critical > High > Normal > Low;
// FIFO by queued_at within a bucket.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Rank returns the numeric ordering weight; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityCritical
	case 2:
		return PriorityHigh
	case 1:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRetrying   JobStatus = "retrying"
)

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobProcessing, JobCompleted, JobFailed, JobCancelled, JobRetrying:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is sticky.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a queued request to produce an Execution.
type Job struct {
	ID                 int64
	UUID               uuid.UUID
	TaskID             int64
	ScheduleID         *int64 // originating Schedule, nil for ad-hoc jobs
	Input              json.RawMessage
	Priority           Priority
	Status             JobStatus
	RetryCount         int
	MaxRetries         int
	QueuedAt           time.Time
	ProcessAt          *time.Time // earliest eligible time; nil means immediately
	ErrorMessage       *string
	OutputDestinations json.RawMessage // serialized []output.DestinationConfig
}

// DefaultMaxRetries is applied when Enqueue is called without a budget.
const DefaultMaxRetries = 3

// NewJob builds a Queued job for the task.
func NewJob(taskID int64, input json.RawMessage, priority Priority) *Job {
	if !priority.IsValid() {
		priority = PriorityNormal
	}
	return &Job{
		UUID:       uuid.New(),
		TaskID:     taskID,
		Input:      input,
		Priority:   priority,
		Status:     JobQueued,
		MaxRetries: DefaultMaxRetries,
		QueuedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

// CanRetry reports whether the retry budget allows another attempt.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}
