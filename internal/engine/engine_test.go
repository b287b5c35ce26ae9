package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/engine"
	"github.com/ratchetd/ratchet/internal/executor"
	"github.com/ratchetd/ratchet/internal/output"
	"github.com/ratchetd/ratchet/internal/ptr"
	"github.com/ratchetd/ratchet/internal/queue"
	sqlstorage "github.com/ratchetd/ratchet/internal/storage/sql"
	"github.com/ratchetd/ratchet/internal/storage/sql/repository"
	"github.com/ratchetd/ratchet/internal/taskfs"
	"github.com/ratchetd/ratchet/internal/worker"
)

// inProcessLauncher runs the real worker runtime over pipes.
func inProcessLauncher() executor.Launcher {
	var pid atomic.Int64
	return func(ctx context.Context, workerID string) (*executor.Process, error) {
		stdinR, stdinW := io.Pipe()
		stdoutR, stdoutW := io.Pipe()

		rt := worker.NewRuntime(workerID, stdinR, stdoutW, nil)
		done := make(chan error, 1)
		go func() {
			err := rt.Run(context.Background())
			stdoutW.Close()
			done <- err
		}()

		return &executor.Process{
			PID:    int(pid.Add(1)),
			Stdin:  stdinW,
			Stdout: stdoutR,
			Wait:   func() error { return <-done },
			Kill: func() error {
				stdinR.CloseWithError(io.ErrClosedPipe)
				stdoutW.CloseWithError(io.ErrClosedPipe)
				return nil
			},
		}, nil
	}
}

type fixture struct {
	store  *repository.Store
	queue  *queue.Queue
	exec   *executor.Executor
	engine *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	dsn := "sqlite://" + filepath.Join(t.TempDir(), "engine-test.db")
	store, err := sqlstorage.Open(ctx, sqlstorage.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, nil, queue.WithBackoff(queue.BackoffPolicy{
		Base: 10 * time.Millisecond, Multiplier: 2, Cap: time.Second,
	}))

	exec := executor.New(config.ExecutionConfig{
		MinWorkers:      1,
		MaxWorkers:      2,
		TaskTimeout:     5 * time.Second,
		AcquireTimeout:  2 * time.Second,
		PingTimeout:     time.Second,
		PingInterval:    time.Hour,
		UnhealthyGrace:  time.Second,
		ShutdownTimeout: time.Second,
	}, nil, executor.WithLauncher(inProcessLauncher()))
	require.NoError(t, exec.Start(ctx))
	t.Cleanup(func() { exec.Stop(ctx) })

	deliverer := output.NewManager(store, nil)
	eng := engine.New(store, q, exec, deliverer, nil)
	return &fixture{store: store, queue: q, exec: exec, engine: eng}
}

func (f *fixture) seedTask(t *testing.T, name, code string) *domain.Task {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, taskfs.Write(dir, &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: name, Version: "1.0.0"},
		Code:     code,
	}))
	task := domain.NewTask(name, "1.0.0")
	task.Path = dir
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) processAll(t *testing.T, ctx context.Context) {
	t.Helper()
	jobs, err := f.queue.Claim(ctx, 10, "test-engine")
	require.NoError(t, err)
	for _, job := range jobs {
		f.engine.Process(ctx, job)
	}
}

func TestEngineCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.seedTask(t, "addition", "function execute(input) { return { sum: input.a + input.b }; }")

	outFile := filepath.Join(t.TempDir(), "result.json")
	dests, _ := json.Marshal([]output.DestinationConfig{{
		Type:       output.TypeFilesystem,
		Filesystem: &output.FilesystemConfig{Path: outFile, Format: output.FormatJSONCompact, Overwrite: true},
	}})

	job, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:             task.ID,
		Input:              json.RawMessage(`{"a":2,"b":3}`),
		OutputDestinations: dests,
	})
	require.NoError(t, err)

	f.processAll(t, ctx)

	// Job completed.
	done, err := f.store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)

	// Exactly one execution, completed with the right output and timing.
	execs, err := f.store.FindExecutionsByTaskID(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.JSONEq(t, `{"sum":5}`, string(exec.Output))
	require.NotNil(t, exec.DurationMS)
	assert.GreaterOrEqual(t, *exec.DurationMS, int64(0))
	assert.LessOrEqual(t, *exec.DurationMS, int64(5000))
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)
	assert.False(t, exec.QueuedAt.After(*exec.StartedAt))
	assert.False(t, exec.StartedAt.After(*exec.CompletedAt))

	// Delivery ran before completion and recorded a result row.
	deliveries, err := f.store.FindDeliveriesByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
}

func TestEngineRetriesFailingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.seedTask(t, "thrower", `function execute() { throw new Error("always fails"); }`)

	job, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:     task.ID,
		MaxRetries: ptr.To(2),
	})
	require.NoError(t, err)

	// Original attempt plus two retries.
	for attempt := 0; attempt < 3; attempt++ {
		require.Eventually(t, func() bool {
			jobs, err := f.queue.Claim(ctx, 1, "test-engine")
			require.NoError(t, err)
			if len(jobs) == 0 {
				return false
			}
			f.engine.Process(ctx, jobs[0])
			return true
		}, 5*time.Second, 5*time.Millisecond, "attempt %d never became ready", attempt)
	}

	dead, err := f.store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, dead.Status)
	assert.Equal(t, 2, dead.RetryCount)

	// Three executions exist, all failed.
	execs, err := f.store.FindExecutionsByTaskID(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 3)
	for _, exec := range execs {
		assert.Equal(t, domain.ExecutionFailed, exec.Status)
		require.NotNil(t, exec.ErrorMessage)
		assert.Contains(t, *exec.ErrorMessage, "always fails")
	}
}

func TestEnginePriorityCompletionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.seedTask(t, "echo", "function execute(input) { return input; }")

	enqueue := func(p domain.Priority) *domain.Job {
		job, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{TaskID: task.ID, Priority: p, Input: json.RawMessage(`{}`)})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		return job
	}
	low := enqueue(domain.PriorityLow)
	high := enqueue(domain.PriorityHigh)
	normal := enqueue(domain.PriorityNormal)

	// One claim at a time mimics a single worker's completion order.
	var order []int64
	for i := 0; i < 3; i++ {
		jobs, err := f.queue.Claim(ctx, 1, "test-engine")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		f.engine.Process(ctx, jobs[0])
		order = append(order, jobs[0].ID)
	}
	assert.Equal(t, []int64{high.ID, normal.ID, low.ID}, order)
}

func TestEngineCancelQueuedAndTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.seedTask(t, "echo-cancel", "function execute(input) { return input; }")

	job, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{TaskID: task.ID})
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, job.ID))
	cancelled, err := f.store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, cancelled.Status)

	err = f.engine.Cancel(ctx, job.ID)
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}
