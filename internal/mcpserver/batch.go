// Package mcpserver exposes Ratchet over the Model Context Protocol and
// implements the batch executor that runs groups of tool calls under
// parallel, sequential, or dependency-ordered modes.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
)

// BatchMode selects how a batch executes.
type BatchMode string

const (
	ModeParallel           BatchMode = "parallel"
	ModeSequential         BatchMode = "sequential"
	ModeDependency         BatchMode = "dependency"
	ModePriorityDependency BatchMode = "priority_dependency"
)

// BatchRequest is one entry in a batch.
type BatchRequest struct {
	ID           string          `json:"id"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	TimeoutMS    *int64          `json:"timeout_ms,omitempty"`
}

// Item statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ItemError mirrors a JSON-RPC error object.
type ItemError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ItemResult is the outcome of one batch entry.
type ItemResult struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ItemError      `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Stats aggregates a finished batch.
type Stats struct {
	Total               int     `json:"total"`
	Successful          int     `json:"successful"`
	Failed              int     `json:"failed"`
	Skipped             int     `json:"skipped"`
	TotalTimeMS         int64   `json:"total_time_ms"`
	AvgTimeMS           float64 `json:"avg_time_ms"`
	MaxParallelExecuted int     `json:"max_parallel_executed"`
}

// BatchResult is the full batch outcome, results in input order.
type BatchResult struct {
	Results []ItemResult `json:"results"`
	Stats   Stats        `json:"stats"`
}

// Progress is emitted after each completion when a correlation token is
// set.
type Progress struct {
	CorrelationToken string    `json:"correlation_token"`
	Completed        int       `json:"completed"`
	Total            int       `json:"total"`
	Executing        []string  `json:"executing"`
	Timestamp        time.Time `json:"timestamp"`
}

// BatchOptions tune one Execute call.
type BatchOptions struct {
	Mode             BatchMode
	MaxParallel      int // overrides the executor's limit when > 0
	StopOnError      bool
	Dedup            bool
	ItemTimeoutMS    *int64 // batch-level default, over the executor default
	BatchTimeoutMS   *int64 // whole-batch deadline
	CorrelationToken string
	OnProgress       func(Progress)
}

// Handler executes one request; it is the underlying tool dispatcher.
type Handler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// BatchExecutor validates and runs batches. Per-item errors never abort
// a batch; only validation and a batch-level timeout do.
type BatchExecutor struct {
	handler        Handler
	maxBatchSize   int
	maxParallel    int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewBatchExecutor builds an executor over the tool dispatcher.
func NewBatchExecutor(handler Handler, maxBatchSize, maxParallel int, defaultTimeout time.Duration, logger *slog.Logger) *BatchExecutor {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	if maxParallel <= 0 {
		maxParallel = 10
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchExecutor{
		handler:        handler,
		maxBatchSize:   maxBatchSize,
		maxParallel:    maxParallel,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Execute runs the batch and returns per-item results plus stats.
func (e *BatchExecutor) Execute(ctx context.Context, requests []BatchRequest, opts BatchOptions) (*BatchResult, error) {
	if err := e.validate(requests); err != nil {
		return nil, err
	}

	if opts.BatchTimeoutMS != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*opts.BatchTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	canonical := requests
	aliases := map[string]string{}
	if opts.Dedup {
		canonical, aliases = dedupe(requests)
	}

	started := time.Now()
	run := newBatchRun(e, canonical, opts)

	var err error
	switch opts.Mode {
	case ModeSequential:
		err = run.sequential(ctx)
	case ModeDependency, ModePriorityDependency:
		err = run.dependency(ctx, opts.Mode == ModePriorityDependency)
	case "", ModeParallel:
		err = run.parallel(ctx)
	default:
		return nil, domain.E(domain.KindValidation, "unknown batch mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	return run.collect(requests, aliases, time.Since(started)), nil
}

func (e *BatchExecutor) validate(requests []BatchRequest) error {
	if len(requests) == 0 {
		return domain.E(domain.KindValidation, "batch is empty")
	}
	if len(requests) > e.maxBatchSize {
		return domain.E(domain.KindValidation, "batch size %d exceeds limit %d", len(requests), e.maxBatchSize)
	}

	ids := make(map[string]struct{}, len(requests))
	for _, r := range requests {
		if r.ID == "" {
			return domain.E(domain.KindValidation, "batch request without id")
		}
		if _, dup := ids[r.ID]; dup {
			return domain.E(domain.KindValidation, "duplicate batch request id %q", r.ID)
		}
		ids[r.ID] = struct{}{}
	}
	for _, r := range requests {
		for _, dep := range r.Dependencies {
			if _, ok := ids[dep]; !ok {
				return domain.E(domain.KindValidation, "request %q depends on unknown id %q", r.ID, dep)
			}
		}
	}
	return detectCycle(requests)
}

// detectCycle runs a DFS with a recursion stack over the dependency
// graph.
func detectCycle(requests []BatchRequest) error {
	deps := make(map[string][]string, len(requests))
	for _, r := range requests {
		deps[r.ID] = r.Dependencies
	}

	const (
		white = 0 // unvisited
		grey  = 1 // on the recursion stack
		black = 2 // finished
	)
	color := make(map[string]int, len(requests))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				return domain.E(domain.KindValidation, "dependency cycle through %q and %q", id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, r := range requests {
		if color[r.ID] == white {
			if err := visit(r.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// dedupe collapses requests with identical (method, params) onto one
// canonical id. Aliased dependencies are rewritten to the canonical id.
func dedupe(requests []BatchRequest) ([]BatchRequest, map[string]string) {
	keyOf := func(r BatchRequest) string {
		// Canonicalise params so key ordering differences do not matter.
		var doc any
		if len(r.Params) > 0 && json.Unmarshal(r.Params, &doc) == nil {
			if normalized, err := json.Marshal(doc); err == nil {
				return r.Method + "\x00" + string(normalized)
			}
		}
		return r.Method + "\x00" + string(r.Params)
	}

	canonicalByKey := map[string]string{}
	aliases := map[string]string{}
	var kept []BatchRequest
	for _, r := range requests {
		key := keyOf(r)
		if canonical, seen := canonicalByKey[key]; seen {
			aliases[r.ID] = canonical
			continue
		}
		canonicalByKey[key] = r.ID
		kept = append(kept, r)
	}

	resolve := func(id string) string {
		if canonical, ok := aliases[id]; ok {
			return canonical
		}
		return id
	}
	for i := range kept {
		seen := map[string]struct{}{}
		rewritten := kept[i].Dependencies[:0:0]
		for _, dep := range kept[i].Dependencies {
			dep = resolve(dep)
			if dep == kept[i].ID {
				continue // a request cannot depend on itself post-dedup
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			rewritten = append(rewritten, dep)
		}
		kept[i].Dependencies = rewritten
	}
	return kept, aliases
}
