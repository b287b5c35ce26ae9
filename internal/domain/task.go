package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is a named, versioned unit of user-authored code with declared
// input and output schemas.
type Task struct {
	ID           int64
	UUID         uuid.UUID
	Name         string
	Version      string
	Description  string
	Tags         []string
	Path         string // task directory on disk; empty when code is inline
	Code         string // inline source when Path is empty
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Enabled      bool
	Source       string // registry source name that owns the task, if any
	InSync       bool
	ValidatedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewTask builds a Task with identity fields populated.
func NewTask(name, version string) *Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Task{
		UUID:      uuid.New(),
		Name:      name,
		Version:   version,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
