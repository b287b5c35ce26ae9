// Command ratchet is the task-execution platform host. `ratchet serve`
// (the default) runs the API, queue engine, scheduler, executor, and MCP
// server; `ratchet --worker --worker-id <id>` is the child worker mode
// the executor spawns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/engine"
	"github.com/ratchetd/ratchet/internal/executor"
	"github.com/ratchetd/ratchet/internal/httpapi"
	"github.com/ratchetd/ratchet/internal/mcpserver"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/output"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/registry"
	"github.com/ratchetd/ratchet/internal/scheduler"
	sqlstorage "github.com/ratchetd/ratchet/internal/storage/sql"
	"github.com/ratchetd/ratchet/internal/taskdev"
	"github.com/ratchetd/ratchet/internal/worker"
)

// Exit codes: 0 success, 1 generic failure, 2 invalid config, 130 SIGINT.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitSigint = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the YAML config file")
		workerMode = flag.Bool("worker", false, "run as a worker child process")
		workerID   = flag.String("worker-id", "", "worker id (worker mode)")
	)
	flag.Parse()

	if *workerMode {
		return runWorker(*workerID)
	}
	return runServe(*configPath)
}

// runWorker is the child process: stdin/stdout carry the IPC protocol,
// stderr carries logs.
func runWorker(workerID string) int {
	if workerID == "" {
		fmt.Fprintln(os.Stderr, "--worker-id is required in worker mode")
		return exitConfig
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	rt := worker.NewRuntime(workerID, os.Stdin, os.Stdout, logger)
	if err := rt.Run(context.Background()); err != nil {
		logger.Error("worker terminated abnormally", "error", err)
		return exitError
	}
	return exitOK
}

func runServe(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := observability.Setup(ctx, observability.Config{
		OTLPEnabled: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry setup failed: %v\n", err)
		return exitError
	}
	logger := providers.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	store, err := sqlstorage.Open(ctx, sqlstorage.Config{
		URL:               cfg.Server.Database.URL,
		MaxConnections:    cfg.Server.Database.MaxConnections,
		ConnectionTimeout: cfg.Server.Database.ConnectionTimeout,
	})
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return exitError
	}
	defer store.Close()

	promRegistry := prometheus.NewRegistry()

	q := queue.New(store, logger,
		queue.WithMetrics(observability.NewQueueMetrics(promRegistry)))

	exec := executor.New(cfg.Execution, logger,
		executor.WithMetrics(observability.NewPoolMetrics(promRegistry)))
	if err := exec.Start(ctx); err != nil {
		logger.Error("failed to start executor", "error", err)
		return exitError
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.ShutdownTimeout+time.Second)
		defer cancel()
		_ = exec.Stop(stopCtx)
	}()

	deliverer := output.NewManager(store, logger,
		output.WithHTTPTimeout(cfg.Output.DefaultTimeout),
		output.WithDefaultRetry(output.RetryPolicy{
			MaxAttempts:  cfg.Output.DefaultRetry.MaxAttempts,
			InitialDelay: cfg.Output.DefaultRetry.InitialDelay,
			MaxDelay:     cfg.Output.DefaultRetry.MaxDelay,
			Multiplier:   cfg.Output.DefaultRetry.Multiplier,
			Jitter:       true,
		}),
		output.WithMetrics(observability.NewDeliveryMetrics(promRegistry)))

	eng := engine.New(store, q, exec, deliverer, logger)
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitError
	}
	defer eng.Stop()

	sched := scheduler.New(store, q, logger,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval))
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return exitError
		}
		defer sched.Stop()
	}

	reg := registry.New(store, cfg.Registry.Sources, logger)
	if len(cfg.Registry.Sources) > 0 {
		if err := reg.Start(ctx); err != nil {
			logger.Error("failed to start registry", "error", err)
			return exitError
		}
		defer reg.Stop()
	}

	tasksDir := filepath.Join(".", "tasks")
	if len(cfg.Registry.Sources) > 0 && cfg.Registry.Sources[0].Type == config.SourceDirectory {
		tasksDir = cfg.Registry.Sources[0].URI
	}
	devService := taskdev.New(store, tasksDir, logger)

	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.NewServer(cfg.MCP, mcpserver.Services{
			Tasks:   store,
			Queue:   q,
			TaskDev: devService,
		}, logger)
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil {
				logger.Error("mcp server stopped", "error", err)
			}
		}()
	}

	api := &httpapi.Server{
		Store:      store,
		Queue:      q,
		Engine:     eng,
		Scheduler:  sched,
		TaskDev:    devService,
		Executor:   exec,
		Registry:   promRegistry,
		EnableCORS: cfg.Server.EnableCORS,
		Workers:    exec.Workers,
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr())
		serveErr <- httpServer.ListenAndServe()
	}()

	interrupted := false
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return exitError
		}
	case <-ctx.Done():
		interrupted = true
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}

	if interrupted {
		return exitSigint
	}
	return exitOK
}
