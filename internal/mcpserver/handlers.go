package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/taskdev"
)

// toolError renders a failure as an MCP tool error carrying the kind tag.
func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(string(domain.KindOf(err)) + ": " + err.Error()), nil
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(domain.Wrap(domain.KindInternal, err, "failed to encode tool result"))
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	out, err := s.listTasks(ctx, stringArg(args, "name_contains"))
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listTasks(ctx context.Context, nameContains string) (json.RawMessage, error) {
	filters := domain.TaskFilters{}
	if nameContains != "" {
		filters.Name = &domain.StringFilter{Value: nameContains, Match: domain.MatchContains}
	}
	page, err := s.services.Tasks.ListTasks(ctx, filters, domain.Pagination{Limit: domain.MaxPageLimit}, nil)
	if err != nil {
		return nil, err
	}

	type taskView struct {
		Name        string `json:"name"`
		Version     string `json:"version"`
		Description string `json:"description,omitempty"`
		Enabled     bool   `json:"enabled"`
		Validated   bool   `json:"validated"`
	}
	views := make([]taskView, 0, len(page.Items))
	for _, t := range page.Items {
		views = append(views, taskView{
			Name:        t.Name,
			Version:     t.Version,
			Description: t.Description,
			Enabled:     t.Enabled,
			Validated:   t.ValidatedAt != nil,
		})
	}
	return json.Marshal(map[string]any{"tasks": views, "total": page.Total})
}

func (s *Server) handleEnqueueJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	out, err := s.enqueueJob(ctx, stringArg(args, "task_name"), stringArg(args, "input"), stringArg(args, "priority"))
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) enqueueJob(ctx context.Context, taskName, input, priority string) (json.RawMessage, error) {
	if taskName == "" {
		return nil, domain.E(domain.KindValidation, "task_name is required")
	}
	task, err := s.services.Tasks.FindTaskByName(ctx, taskName)
	if err != nil {
		return nil, err
	}

	var inputRaw json.RawMessage
	if input != "" {
		if !json.Valid([]byte(input)) {
			return nil, domain.E(domain.KindValidation, "input is not valid JSON")
		}
		inputRaw = json.RawMessage(input)
	}

	job, err := s.services.Queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:   task.ID,
		Input:    inputRaw,
		Priority: domain.Priority(priority),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"job_id":   job.ID,
		"job_uuid": job.UUID.String(),
		"status":   job.Status,
		"priority": job.Priority,
	})
}

func (s *Server) handleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, ok := args["execution_id"].(float64)
	if !ok {
		return toolError(domain.E(domain.KindValidation, "execution_id is required"))
	}
	out, err := s.getExecution(ctx, int64(id))
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getExecution(ctx context.Context, id int64) (json.RawMessage, error) {
	exec, err := s.services.Tasks.FindExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := map[string]any{
		"id":     exec.ID,
		"uuid":   exec.UUID.String(),
		"status": exec.Status,
	}
	if len(exec.Output) > 0 {
		view["output"] = exec.Output
	}
	if exec.ErrorMessage != nil {
		view["error_message"] = *exec.ErrorMessage
	}
	if exec.DurationMS != nil {
		view["duration_ms"] = *exec.DurationMS
	}
	if exec.Progress != nil {
		view["progress"] = *exec.Progress
	}
	return json.Marshal(view)
}

func (s *Server) handleBatchExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var requests []BatchRequest
	if raw := stringArg(args, "requests"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &requests); err != nil {
			return toolError(domain.Wrap(domain.KindValidation, err, "requests must be a JSON array"))
		}
	}

	opts := BatchOptions{Mode: BatchMode(stringArg(args, "mode"))}
	if v, ok := args["stop_on_error"].(bool); ok {
		opts.StopOnError = v
	}
	if v, ok := args["dedup"].(bool); ok {
		opts.Dedup = v
	}

	result, err := s.batch.Execute(ctx, requests, opts)
	if err != nil {
		return toolError(err)
	}
	return toolJSON(result)
}

func (s *Server) handleCreateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var bundle taskdev.Bundle
	if err := json.Unmarshal([]byte(stringArg(args, "definition")), &bundle); err != nil {
		return toolError(domain.Wrap(domain.KindValidation, err, "definition must be a JSON task bundle"))
	}

	task, err := s.services.TaskDev.Import(ctx, bundle)
	if err != nil {
		return toolError(err)
	}
	return toolJSON(map[string]any{"task_id": task.ID, "name": task.Name, "version": task.Version})
}

func (s *Server) handleValidateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	runTests, _ := args["run_tests"].(bool)

	checks, err := s.services.TaskDev.Validate(ctx, taskdev.ValidateRequest{
		Name:     stringArg(args, "task_name"),
		RunTests: runTests,
	})
	if err != nil {
		return toolError(err)
	}
	return toolJSON(map[string]any{"checks": checks})
}

func (s *Server) handleRunTests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	report, err := s.services.TaskDev.RunTests(ctx, stringArg(args, "task_name"))
	if err != nil {
		return toolError(err)
	}
	return toolJSON(report)
}
