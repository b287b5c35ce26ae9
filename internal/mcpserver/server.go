package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/taskdev"
)

// Services is what the MCP surface needs from the rest of the system.
type Services struct {
	Tasks interface {
		FindTaskByName(ctx context.Context, name string) (*domain.Task, error)
		ListTasks(ctx context.Context, filters domain.TaskFilters, page domain.Pagination, sort *domain.Sort) (domain.Page[*domain.Task], error)
		FindExecutionByID(ctx context.Context, id int64) (*domain.Execution, error)
	}
	Queue   *queue.Queue
	TaskDev *taskdev.Service
}

// Server exposes Ratchet tools to MCP clients over stdio or SSE.
type Server struct {
	cfg      config.MCPConfig
	services Services
	batch    *BatchExecutor
	mcp      *server.MCPServer
	logger   *slog.Logger
}

// NewServer wires the tool surface and the batch executor.
func NewServer(cfg config.MCPConfig, services Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, services: services, logger: logger}
	s.batch = NewBatchExecutor(s.dispatch, cfg.MaxBatchSize, cfg.MaxParallel, 30*time.Second, logger)

	m := server.NewMCPServer("ratchet", "1.0.0", server.WithToolCapabilities(false))

	m.AddTool(mcp.NewTool("ratchet_list_tasks",
		mcp.WithDescription("List registered tasks with their versions and enablement."),
		mcp.WithString("name_contains", mcp.Description("Filter tasks whose name contains this substring.")),
	), s.handleListTasks)

	m.AddTool(mcp.NewTool("ratchet_enqueue_job",
		mcp.WithDescription("Queue a task for execution and return the job id."),
		mcp.WithString("task_name", mcp.Required(), mcp.Description("Name of the task to run.")),
		mcp.WithString("input", mcp.Description("JSON input document for the task.")),
		mcp.WithString("priority", mcp.Description("low, normal, high, or critical.")),
	), s.handleEnqueueJob)

	m.AddTool(mcp.NewTool("ratchet_get_execution",
		mcp.WithDescription("Fetch one execution with status, output, and timing."),
		mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("Execution id.")),
	), s.handleGetExecution)

	m.AddTool(mcp.NewTool("ratchet_batch_execute",
		mcp.WithDescription("Run a batch of tool requests under parallel, sequential, dependency, or priority_dependency mode."),
		mcp.WithString("requests", mcp.Required(), mcp.Description("JSON array of {id, method, params, dependencies, priority, timeout_ms}.")),
		mcp.WithString("mode", mcp.Description("Execution mode; defaults to parallel.")),
		mcp.WithBoolean("stop_on_error", mcp.Description("Skip remaining requests after the first failure.")),
		mcp.WithBoolean("dedup", mcp.Description("Collapse requests with identical method and params.")),
	), s.handleBatchExecute)

	m.AddTool(mcp.NewTool("ratchet_create_task",
		mcp.WithDescription("Create a task from code, schemas, and tests."),
		mcp.WithString("definition", mcp.Required(), mcp.Description("JSON task bundle {metadata, input_schema, output_schema, code, tests}.")),
	), s.handleCreateTask)

	m.AddTool(mcp.NewTool("ratchet_validate_task",
		mcp.WithDescription("Validate a task: syntax, schemas, and optionally its tests."),
		mcp.WithString("task_name", mcp.Required(), mcp.Description("Name of the task to validate.")),
		mcp.WithBoolean("run_tests", mcp.Description("Also execute the task's recorded tests.")),
	), s.handleValidateTask)

	m.AddTool(mcp.NewTool("ratchet_run_task_tests",
		mcp.WithDescription("Run a task's recorded tests and report pass/fail counts."),
		mcp.WithString("task_name", mcp.Required(), mcp.Description("Name of the task.")),
	), s.handleRunTests)

	s.mcp = m
	return s
}

// Serve blocks on the configured transport.
func (s *Server) Serve(ctx context.Context) error {
	switch s.cfg.Transport {
	case config.MCPTransportSSE:
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		s.logger.InfoContext(ctx, "mcp server listening", "transport", "sse", "addr", addr)
		sse := server.NewSSEServer(s.mcp)
		return sse.Start(addr)
	default:
		s.logger.InfoContext(ctx, "mcp server on stdio")
		return server.ServeStdio(s.mcp)
	}
}

// dispatch routes batch entries back onto the tool handlers by method
// name.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "batch params must be an object")
		}
	}

	switch method {
	case "ratchet_list_tasks":
		return s.listTasks(ctx, stringArg(args, "name_contains"))
	case "ratchet_enqueue_job":
		return s.enqueueJob(ctx, stringArg(args, "task_name"), stringArg(args, "input"), stringArg(args, "priority"))
	case "ratchet_get_execution":
		id, ok := args["execution_id"].(float64)
		if !ok {
			return nil, domain.E(domain.KindValidation, "execution_id is required")
		}
		return s.getExecution(ctx, int64(id))
	case "ratchet_run_task_tests":
		report, err := s.services.TaskDev.RunTests(ctx, stringArg(args, "task_name"))
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	default:
		return nil, domain.E(domain.KindNotFound, "unknown method %q", method)
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
