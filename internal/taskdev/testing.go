package taskdev

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/taskfs"
	"github.com/ratchetd/ratchet/internal/worker"
)

// Test result statuses.
const (
	TestPassed  = "passed"
	TestFailed  = "failed"
	TestSkipped = "skipped"
)

// TestResult reports one test case.
type TestResult struct {
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Expected json.RawMessage `json:"expected,omitempty"`
	Actual   json.RawMessage `json:"actual,omitempty"`
}

// TestReport aggregates a test run.
type TestReport struct {
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	SuccessRate float64      `json:"success_rate"`
	Results     []TestResult `json:"results"`
}

// RunTests executes every recorded test case against the task code.
func (s *Service) RunTests(ctx context.Context, name string) (*TestReport, error) {
	_, def, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	report := s.runTests(def)
	return &report, nil
}

func (s *Service) runTests(def *taskfs.Definition) TestReport {
	report := TestReport{Total: len(def.Tests)}

	for _, tc := range def.Tests {
		result := TestResult{Name: tc.Name, Expected: tc.Expected}

		out, err := s.runner.Execute(def, tc.Input, worker.ExecContext{})
		switch {
		case tc.ShouldFail && err != nil:
			result.Status = TestPassed
		case tc.ShouldFail && err == nil:
			result.Status = TestFailed
			result.Error = "expected the task to fail, but it succeeded"
			result.Actual = out
		case err != nil:
			result.Status = TestFailed
			result.Error = err.Error()
		case len(tc.Expected) > 0 && !jsonEqual(tc.Expected, out):
			result.Status = TestFailed
			result.Error = "output does not match expected value"
			result.Actual = out
		default:
			result.Status = TestPassed
			result.Actual = out
		}

		switch result.Status {
		case TestPassed:
			report.Passed++
		case TestFailed:
			report.Failed++
		default:
			report.Skipped++
		}
		report.Results = append(report.Results, result)
	}

	if report.Total > 0 {
		report.SuccessRate = float64(report.Passed) / float64(report.Total)
	}
	return report
}

// jsonEqual compares two documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// StoreResultRequest ingests an execution outcome produced out of band.
type StoreResultRequest struct {
	TaskName     string          `json:"task_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// StoreResult creates an Execution row in the matching terminal state.
func (s *Service) StoreResult(ctx context.Context, req StoreResultRequest) (*domain.Execution, error) {
	task, err := s.repo.FindTaskByName(ctx, req.TaskName)
	if err != nil {
		return nil, err
	}

	exec := domain.NewExecution(task.ID, req.Input)
	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := s.repo.MarkExecutionStarted(ctx, exec.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	started, completed := now, now
	if req.StartedAt != nil {
		started = req.StartedAt.UTC()
	}
	if req.CompletedAt != nil {
		completed = req.CompletedAt.UTC()
	}

	if req.Success {
		err = s.repo.MarkExecutionCompleted(ctx, exec.ID, req.Output, started, completed)
	} else {
		err = s.repo.MarkExecutionFailed(ctx, exec.ID, req.ErrorMessage, req.ErrorDetails)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}
