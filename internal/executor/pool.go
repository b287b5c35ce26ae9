package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/observability"
)

// ExecutionOutcome is what one dispatched task produced.
type ExecutionOutcome struct {
	Success      bool
	Output       json.RawMessage
	ErrorMessage string
	ErrorDetails json.RawMessage
	StartedAt    time.Time
	CompletedAt  time.Time
	DurationMS   int64
}

// Executor runs tasks on a pool of worker child processes. Worker count
// stays within [MinWorkers, MaxWorkers]; each worker holds at most one
// task. Admission is a fair semaphore so execute calls run FIFO.
type Executor struct {
	cfg      config.ExecutionConfig
	launcher Launcher
	logger   *slog.Logger
	metrics  *observability.PoolMetrics

	sem   *semaphore.Weighted
	ready chan *handle

	mu       sync.Mutex
	workers  map[string]*handle
	nextID   int
	spawning int
	stopped  bool

	stopCh     chan struct{}
	healthDone chan struct{}
}

// Option configures the Executor.
type Option func(*Executor)

// WithLauncher overrides how worker processes start (tests use this).
func WithLauncher(l Launcher) Option {
	return func(e *Executor) { e.launcher = l }
}

// WithMetrics attaches pool gauges.
func WithMetrics(m *observability.PoolMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates a stopped executor; Start spawns the warm pool.
func New(cfg config.ExecutionConfig, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		ready:      make(chan *handle, cfg.MaxWorkers),
		workers:    make(map[string]*handle),
		stopCh:     make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.launcher == nil {
		e.launcher = CommandLauncher(e.logger)
	}
	return e
}

// Start spawns MinWorkers warm workers and the health loop.
func (e *Executor) Start(ctx context.Context) error {
	for i := 0; i < e.cfg.MinWorkers; i++ {
		if _, err := e.spawn(ctx); err != nil {
			return err
		}
	}
	go e.healthLoop()
	e.logger.InfoContext(ctx, "executor started",
		"min_workers", e.cfg.MinWorkers, "max_workers", e.cfg.MaxWorkers)
	return nil
}

// spawn launches a worker, waits for Ready, and registers it.
func (e *Executor) spawn(ctx context.Context) (*handle, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, domain.E(domain.KindCancelled, "executor is stopped")
	}
	e.nextID++
	id := fmt.Sprintf("worker-%d", e.nextID)
	e.mu.Unlock()

	proc, err := e.launcher(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to launch worker %s", id)
	}

	h := newHandle(id, proc, e.logger)
	firstMsg := make(chan ipc.Message, 1)
	go h.readLoop(firstMsg)
	go e.monitor(h)

	if err := h.awaitReady(firstMsg); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workers[id] = h
	e.mu.Unlock()

	// A worker can die between Ready and registration; monitor saw an
	// unknown id then, so clean up here.
	select {
	case <-h.exited:
		e.mu.Lock()
		delete(e.workers, id)
		e.mu.Unlock()
		return nil, domain.E(domain.KindWorkerCrashed, "worker %s exited immediately after Ready", id)
	default:
	}

	e.ready <- h
	if e.metrics != nil {
		e.metrics.WorkersReady.Inc()
	}
	e.logger.Info("worker ready", "worker_id", id, "pid", proc.PID)
	return h, nil
}

// monitor waits for the worker process to exit, fails any in-flight
// request, and spawns a replacement while the pool is running and has
// dropped below MinWorkers. Above that floor no replacement is spawned
// here; acquire grows the pool again on demand.
func (e *Executor) monitor(h *handle) {
	err := h.proc.Wait()
	h.exitErr = err
	close(h.exited)
	h.failPending()
	h.setState(domain.WorkerTerminated, nil)

	e.mu.Lock()
	_, known := e.workers[h.id]
	delete(e.workers, h.id)
	stopped := e.stopped
	short := len(e.workers) < e.cfg.MinWorkers
	e.mu.Unlock()

	if !known {
		return
	}

	if err != nil {
		e.logger.Warn("worker exited abnormally", "worker_id", h.id, "error", err)
	} else {
		e.logger.Info("worker exited", "worker_id", h.id)
	}

	if stopped || !short {
		return
	}
	if e.metrics != nil {
		e.metrics.Restarts.Inc()
	}
	go func() {
		spawnCtx, cancel := context.WithTimeout(context.Background(), readyTimeout)
		defer cancel()
		if _, err := e.spawn(spawnCtx); err != nil {
			e.logger.Error("failed to replace worker", "worker_id", h.id, "error", err)
		}
	}()
}

// Execute dispatches one task to a worker and waits for its result.
// Timeout zero means the configured task timeout.
func (e *Executor) Execute(ctx context.Context, jobID, taskID int64, taskPath string, input json.RawMessage, timeout time.Duration) (*ExecutionOutcome, error) {
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}

	h, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	h.setState(domain.WorkerBusy, &jobID)
	if e.metrics != nil {
		e.metrics.WorkersReady.Dec()
		e.metrics.WorkersBusy.Inc()
		e.metrics.TasksExecuted.Inc()
	}

	corr := uuid.New()
	start := time.Now()
	resp, err := h.request(ctx, ipc.ExecuteTask{
		JobID:         jobID,
		TaskID:        taskID,
		TaskPath:      taskPath,
		InputData:     input,
		CorrelationID: corr,
	}, corr, timeout)

	if e.metrics != nil {
		e.metrics.WorkersBusy.Dec()
		e.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if e.metrics != nil {
			e.metrics.TasksFailed.Inc()
		}
		// Whatever went wrong, the worker may still be wedged inside task
		// code; kill it and let the monitor replace it. Killing an
		// already-dead process is a no-op.
		_ = h.proc.Kill()
		if domain.IsKind(err, domain.KindTimeout) {
			e.logger.Warn("task timed out; killing worker", "worker_id", h.id, "job_id", jobID)
			return nil, domain.E(domain.KindTimeout, "task execution exceeded %s", timeout)
		}
		return nil, err
	}

	result, ok := resp.(ipc.TaskResult)
	if !ok {
		_ = h.proc.Kill()
		return nil, domain.E(domain.KindProtocolViolation, "worker %s answered ExecuteTask with %T", h.id, resp)
	}

	h.recordResult(!result.Result.Success)
	if !result.Result.Success && e.metrics != nil {
		e.metrics.TasksFailed.Inc()
	}

	e.release(h)

	return &ExecutionOutcome{
		Success:      result.Result.Success,
		Output:       result.Result.Output,
		ErrorMessage: result.Result.ErrorMessage,
		ErrorDetails: result.Result.ErrorDetails,
		StartedAt:    result.Result.StartedAt,
		CompletedAt:  result.Result.CompletedAt,
		DurationMS:   result.Result.DurationMS,
	}, nil
}

// Validate runs a ValidateTask round-trip on a pooled worker.
func (e *Executor) Validate(ctx context.Context, taskPath string) (*ipc.ValidationOutcome, error) {
	h, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	h.setState(domain.WorkerBusy, nil)
	if e.metrics != nil {
		e.metrics.WorkersReady.Dec()
	}
	corr := uuid.New()
	resp, err := h.request(ctx, ipc.ValidateTask{TaskPath: taskPath, CorrelationID: corr}, corr, e.cfg.TaskTimeout)
	if err != nil {
		_ = h.proc.Kill()
		return nil, err
	}

	result, ok := resp.(ipc.ValidationResult)
	if !ok {
		_ = h.proc.Kill()
		return nil, domain.E(domain.KindProtocolViolation, "worker %s answered ValidateTask with %T", h.id, resp)
	}
	e.release(h)
	outcome := result.Result
	return &outcome, nil
}

// acquire takes an admission slot and a Ready worker, growing the pool
// up to MaxWorkers when every worker is busy.
func (e *Executor) acquire(ctx context.Context) (*handle, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, domain.E(domain.KindCancelled, "executor is stopped")
	}
	e.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	defer cancel()
	go func() {
		// Stop drains waiters: cancel the acquire when the pool shuts down.
		select {
		case <-e.stopCh:
			cancel()
		case <-acquireCtx.Done():
		}
	}()

	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, e.acquireError(ctx)
	}

	for {
		// Fast path: a worker is already idle.
		select {
		case h := <-e.ready:
			if h.currentState() == domain.WorkerTerminated {
				continue
			}
			return h, nil
		default:
		}

		// Grow the pool if there is headroom; the spawning counter keeps
		// concurrent acquirers from overshooting MaxWorkers.
		e.mu.Lock()
		canGrow := !e.stopped && len(e.workers)+e.spawning < e.cfg.MaxWorkers
		if canGrow {
			e.spawning++
		}
		e.mu.Unlock()
		if canGrow {
			_, err := e.spawn(ctx)
			e.mu.Lock()
			e.spawning--
			e.mu.Unlock()
			if err != nil {
				e.logger.Warn("failed to grow worker pool", "error", err)
			}
		}

		select {
		case h := <-e.ready:
			if h.currentState() == domain.WorkerTerminated {
				continue
			}
			return h, nil
		case <-acquireCtx.Done():
			e.sem.Release(1)
			return nil, e.acquireError(ctx)
		}
	}
}

// acquireError names why an acquire gave up.
func (e *Executor) acquireError(ctx context.Context) error {
	select {
	case <-e.stopCh:
		return domain.E(domain.KindCancelled, "executor is shutting down")
	default:
	}
	if ctx.Err() != nil {
		return domain.Wrap(domain.KindCancelled, ctx.Err(), "execute cancelled while waiting for a worker")
	}
	return domain.E(domain.KindExecutorBusy, "no worker acquirable within %s", e.cfg.AcquireTimeout)
}

// release returns a live worker to the ready set.
func (e *Executor) release(h *handle) {
	select {
	case <-h.exited:
		return
	default:
	}
	h.setState(domain.WorkerReady, nil)
	if e.metrics != nil {
		e.metrics.WorkersReady.Inc()
	}
	e.ready <- h
}

// KillJob terminates the worker currently busy with the job. The monitor
// spawns a replacement if the pool drops below MinWorkers; retry policy
// does not apply to cancellations.
func (e *Executor) KillJob(jobID int64) bool {
	e.mu.Lock()
	var victim *handle
	for _, h := range e.workers {
		info := h.snapshot()
		if info.State == domain.WorkerBusy && info.BusyJobID != nil && *info.BusyJobID == jobID {
			victim = h
			break
		}
	}
	e.mu.Unlock()

	if victim == nil {
		return false
	}
	e.logger.Info("killing worker to cancel job", "worker_id", victim.id, "job_id", jobID)
	_ = victim.proc.Kill()
	return true
}

// Workers snapshots the pool for health and API surfaces.
func (e *Executor) Workers() []domain.WorkerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]domain.WorkerInfo, 0, len(e.workers))
	for _, h := range e.workers {
		infos = append(infos, h.snapshot())
	}
	return infos
}

// HealthCheck reports healthy when at least MinWorkers are Ready.
func (e *Executor) HealthCheck() error {
	ready := 0
	for _, info := range e.Workers() {
		if info.State == domain.WorkerReady {
			ready++
		}
	}
	if ready < e.cfg.MinWorkers {
		return domain.E(domain.KindInternal, "only %d of %d required workers are ready", ready, e.cfg.MinWorkers)
	}
	return nil
}

// healthLoop pings idle workers and replaces ones that stay unhealthy
// past the grace period.
func (e *Executor) healthLoop() {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.healthDone:
			return
		case <-ticker.C:
			e.pingIdleWorkers()
		}
	}
}

func (e *Executor) pingIdleWorkers() {
	e.mu.Lock()
	idle := make([]*handle, 0, len(e.workers))
	for _, h := range e.workers {
		if h.currentState() == domain.WorkerReady {
			idle = append(idle, h)
		}
	}
	e.mu.Unlock()

	for _, h := range idle {
		corr := uuid.New()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PingTimeout)
		_, err := h.request(ctx, ipc.Ping{CorrelationID: corr}, corr, e.cfg.PingTimeout)
		cancel()
		if err == nil {
			continue
		}

		e.logger.Warn("worker failed ping; marking unhealthy", "worker_id", h.id, "error", err)
		h.setState(domain.WorkerUnhealthy, nil)

		// Grace period, then a second chance before the kill.
		go func(h *handle) {
			time.Sleep(e.cfg.UnhealthyGrace)
			if h.currentState() != domain.WorkerUnhealthy {
				return
			}
			corr := uuid.New()
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PingTimeout)
			_, err := h.request(ctx, ipc.Ping{CorrelationID: corr}, corr, e.cfg.PingTimeout)
			cancel()
			if err == nil {
				// Recovered; it never left the ready buffer, so only the
				// state flips back.
				h.setState(domain.WorkerReady, nil)
				return
			}
			e.logger.Error("worker still unhealthy; killing", "worker_id", h.id)
			_ = h.proc.Kill()
		}(h)
	}
}

// Stop shuts the pool down: Shutdown to every worker, a bounded wait for
// clean exits, then kills for stragglers. Pending acquires drain with a
// stopped error.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	workers := make([]*handle, 0, len(e.workers))
	for _, h := range e.workers {
		workers = append(workers, h)
	}
	e.mu.Unlock()

	close(e.stopCh)
	close(e.healthDone)

	for _, h := range workers {
		if err := h.send(ipc.Shutdown{}); err != nil {
			_ = h.proc.Kill()
		}
	}

	deadline := time.After(e.cfg.ShutdownTimeout)
	expired := false
	for _, h := range workers {
		if expired {
			_ = h.proc.Kill()
			<-h.exited
			continue
		}
		select {
		case <-h.exited:
		case <-deadline:
			expired = true
			e.logger.Warn("worker did not exit in time; killing", "worker_id", h.id)
			_ = h.proc.Kill()
			<-h.exited
		case <-ctx.Done():
			expired = true
			_ = h.proc.Kill()
			<-h.exited
		}
	}

	e.logger.Info("executor stopped")
	return nil
}
