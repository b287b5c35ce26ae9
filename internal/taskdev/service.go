// Package taskdev is the task authoring service: create, validate, edit,
// test, version, delete, import, and export tasks. Every operation takes
// a structured request and returns a structured result. Failures carry a
// domain error kind: syntax errors and invalid schemas are both Validation
// (told apart only by message), file-system write failures are Internal,
// and unknown tasks are NotFound; a test mismatch is reported as a failed
// test result rather than as an error.
package taskdev

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/taskfs"
	"github.com/ratchetd/ratchet/internal/worker"
)

// Repository is the slice of the store the service needs.
type Repository interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	UpdateTask(ctx context.Context, task *domain.Task) error
	DeleteTask(ctx context.Context, id int64) error
	FindTaskByName(ctx context.Context, name string) (*domain.Task, error)
	MarkTaskValidated(ctx context.Context, id int64) error
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	MarkExecutionStarted(ctx context.Context, id int64) error
	MarkExecutionCompleted(ctx context.Context, id int64, out json.RawMessage, startedAt, completedAt time.Time) error
	MarkExecutionFailed(ctx context.Context, id int64, message string, details json.RawMessage) error
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Service implements the task-dev operations.
type Service struct {
	repo    Repository
	baseDir string // created tasks live under here, one directory each
	runner  *worker.Runner
	logger  *slog.Logger
}

// New creates the service. baseDir is where new task directories are
// written.
func New(repo Repository, baseDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		baseDir: baseDir,
		runner:  worker.NewRunner(logger),
		logger:  logger,
	}
}

// CreateRequest carries a complete new task.
type CreateRequest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Code         string            `json:"code"`
	InputSchema  json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	Tests        []taskfs.TestCase `json:"tests,omitempty"`
}

// Create validates the definition, writes the task directory, and
// persists the Task row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Task, error) {
	if req.Name == "" {
		return nil, domain.E(domain.KindValidation, "task name is required")
	}
	if !semverPattern.MatchString(req.Version) {
		return nil, domain.E(domain.KindValidation, "version %q is not a semver string", req.Version)
	}
	if req.Code == "" {
		return nil, domain.E(domain.KindValidation, "task code is required")
	}

	def := &taskfs.Definition{
		Metadata: taskfs.Metadata{
			Name:        req.Name,
			Version:     req.Version,
			Description: req.Description,
			Tags:        req.Tags,
		},
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Code:         req.Code,
		Tests:        req.Tests,
	}
	if err := s.runner.Validate(def); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.baseDir, req.Name)
	if err := taskfs.Write(dir, def); err != nil {
		return nil, err
	}

	task := domain.NewTask(req.Name, req.Version)
	task.Description = req.Description
	task.Tags = req.Tags
	task.Path = dir
	task.InputSchema = req.InputSchema
	task.OutputSchema = req.OutputSchema
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "task created", "task", req.Name, "version", req.Version)
	return task, nil
}

// Check names and statuses for validation reports.
const (
	CheckSyntax       = "syntax"
	CheckInputSchema  = "input_schema"
	CheckOutputSchema = "output_schema"
	CheckTests        = "tests"

	CheckPassed = "passed"
	CheckFailed = "failed"
)

// CheckResult is one validation step outcome.
type CheckResult struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ValidateRequest selects the task and whether tests run too.
type ValidateRequest struct {
	Name     string `json:"name"`
	RunTests bool   `json:"run_tests,omitempty"`
}

// Validate runs the check list: code syntax, schema compilation, and
// optionally the task's tests. A passing validation stamps validated_at.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) ([]CheckResult, error) {
	task, def, err := s.load(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	var checks []CheckResult
	passed := true
	record := func(typ string, err error) {
		check := CheckResult{Type: typ, Status: CheckPassed}
		if err != nil {
			check.Status = CheckFailed
			check.Error = err.Error()
			passed = false
		}
		checks = append(checks, check)
	}

	record(CheckSyntax, s.runner.Validate(def))
	record(CheckInputSchema, compileIfPresent(def.InputSchema))
	record(CheckOutputSchema, compileIfPresent(def.OutputSchema))

	if req.RunTests && len(def.Tests) > 0 {
		report := s.runTests(def)
		var testsErr error
		if report.Failed > 0 {
			testsErr = domain.E(domain.KindValidation, "%d of %d tests failed", report.Failed, report.Total)
		}
		record(CheckTests, testsErr)
	}

	if passed {
		if err := s.repo.MarkTaskValidated(ctx, task.ID); err != nil {
			return checks, err
		}
	}
	return checks, nil
}

func compileIfPresent(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	_, err := taskfs.CompileSchema(schema)
	return err
}

// EditRequest updates parts of an existing task in place.
type EditRequest struct {
	Name         string           `json:"name"`
	Code         *string          `json:"code,omitempty"`
	Description  *string          `json:"description,omitempty"`
	InputSchema  *json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema *json.RawMessage `json:"output_schema,omitempty"`
}

// Edit rewrites the task directory and row with the requested changes.
// The edit invalidates prior validation.
func (s *Service) Edit(ctx context.Context, req EditRequest) (*domain.Task, error) {
	task, def, err := s.load(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	if req.Code != nil {
		def.Code = *req.Code
	}
	if req.Description != nil {
		def.Metadata.Description = *req.Description
	}
	if req.InputSchema != nil {
		def.InputSchema = *req.InputSchema
	}
	if req.OutputSchema != nil {
		def.OutputSchema = *req.OutputSchema
	}

	if err := s.runner.Validate(def); err != nil {
		return nil, err
	}
	if err := taskfs.Write(task.Path, def); err != nil {
		return nil, err
	}

	task.Description = def.Metadata.Description
	task.InputSchema = def.InputSchema
	task.OutputSchema = def.OutputSchema
	task.ValidatedAt = nil
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// VersionRequest bumps a task to a new version, optionally with new
// code.
type VersionRequest struct {
	Name       string  `json:"name"`
	NewVersion string  `json:"new_version"`
	Code       *string `json:"code,omitempty"`
}

// Version updates the semver and code of a task.
func (s *Service) Version(ctx context.Context, req VersionRequest) (*domain.Task, error) {
	if !semverPattern.MatchString(req.NewVersion) {
		return nil, domain.E(domain.KindValidation, "version %q is not a semver string", req.NewVersion)
	}
	task, def, err := s.load(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	def.Metadata.Version = req.NewVersion
	if req.Code != nil {
		def.Code = *req.Code
	}
	if err := s.runner.Validate(def); err != nil {
		return nil, err
	}
	if err := taskfs.Write(task.Path, def); err != nil {
		return nil, err
	}

	task.Version = req.NewVersion
	task.ValidatedAt = nil
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Delete removes the task row. The directory is left on disk; execution
// history keeps pointing at a real path.
func (s *Service) Delete(ctx context.Context, name string) error {
	task, err := s.repo.FindTaskByName(ctx, name)
	if err != nil {
		return err
	}
	return s.repo.DeleteTask(ctx, task.ID)
}

func (s *Service) load(ctx context.Context, name string) (*domain.Task, *taskfs.Definition, error) {
	task, err := s.repo.FindTaskByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if task.Path == "" {
		// Inline task: build the definition from the row.
		return task, &taskfs.Definition{
			Metadata: taskfs.Metadata{
				Name:        task.Name,
				Version:     task.Version,
				Description: task.Description,
				Tags:        task.Tags,
			},
			InputSchema:  task.InputSchema,
			OutputSchema: task.OutputSchema,
			Code:         task.Code,
		}, nil
	}
	def, err := taskfs.Load(task.Path)
	if err != nil {
		return nil, nil, err
	}
	return task, def, nil
}
