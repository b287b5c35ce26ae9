package domain

import "time"

// DeliveryResult records the terminal outcome of one output delivery
// attempt. Rows are append-only; failures never revert Execution state.
type DeliveryResult struct {
	ID              int64
	JobID           int64
	ExecutionID     int64
	DestinationType string
	DestinationID   string
	Success         bool
	DeliveryTimeMS  int64
	SizeBytes       int64
	ResponseInfo    *string
	ErrorMessage    *string
	CreatedAt       time.Time
}
