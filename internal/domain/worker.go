package domain

import "time"

// WorkerState is the coordinator's view of one worker child process.
type WorkerState string

const (
	WorkerStarting   WorkerState = "starting"
	WorkerReady      WorkerState = "ready"
	WorkerBusy       WorkerState = "busy"
	WorkerUnhealthy  WorkerState = "unhealthy"
	WorkerTerminated WorkerState = "terminated"
)

// WorkerInfo is a snapshot of a worker child process handle.
type WorkerInfo struct {
	WorkerID      string
	PID           int
	StartedAt     time.Time
	LastActivity  time.Time
	TasksExecuted int
	TasksFailed   int
	State         WorkerState
	BusyJobID     *int64 // set only while State == WorkerBusy
}
