package domain

import "time"

// StringMatch selects how a string filter compares against the column.
type StringMatch string

const (
	MatchExact      StringMatch = "exact"
	MatchContains   StringMatch = "contains"
	MatchStartsWith StringMatch = "starts_with"
	MatchEndsWith   StringMatch = "ends_with"
)

// StringFilter matches a string field. Zero value means "no filter".
type StringFilter struct {
	Value string
	Match StringMatch
}

// TimeRange bounds a time field. Either side may be nil.
type TimeRange struct {
	After  *time.Time
	Before *time.Time
}

// Pagination is a limit/offset window. Zero Limit means the default.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the window to sane bounds.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Sort orders a filtered listing. Field names are validated against the
// entity's sortable columns; unknown fields are a Validation error.
type Sort struct {
	Field      string
	Descending bool
}

// Page is one page of a filtered listing.
type Page[T any] struct {
	Items       []T   `json:"items"`
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	Offset      int   `json:"offset"`
	Total       int64 `json:"total"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

// NewPage derives page bookkeeping from the window and total count.
func NewPage[T any](items []T, p Pagination, total int64) Page[T] {
	p = p.Normalize()
	return Page[T]{
		Items:       items,
		Page:        p.Offset/p.Limit + 1,
		Limit:       p.Limit,
		Offset:      p.Offset,
		Total:       total,
		HasNext:     int64(p.Offset+p.Limit) < total,
		HasPrevious: p.Offset > 0,
	}
}

// TaskFilters narrows task listings. All fields are optional and ANDed.
type TaskFilters struct {
	Name        *StringFilter
	Version     *StringFilter
	Enabled     *bool
	InSync      *bool
	Source      *StringFilter
	IDIn        []int64
	CreatedAt   *TimeRange
	ValidatedAt *TimeRange
}

// ExecutionFilters narrows execution listings.
type ExecutionFilters struct {
	TaskID      *int64
	JobID       *int64
	StatusIn    []ExecutionStatus
	IDIn        []int64
	QueuedAt    *TimeRange
	CompletedAt *TimeRange
}

// JobFilters narrows job listings.
type JobFilters struct {
	TaskID     *int64
	ScheduleID *int64
	StatusIn   []JobStatus
	PriorityIn []Priority
	IDIn       []int64
	QueuedAt   *TimeRange
}

// ScheduleFilters narrows schedule listings.
type ScheduleFilters struct {
	Name      *StringFilter
	TaskID    *int64
	Enabled   *bool
	IDIn      []int64
	NextRunAt *TimeRange
}
