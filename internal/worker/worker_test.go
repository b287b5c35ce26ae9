package worker

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

func additionTask(t *testing.T) *taskfs.Definition {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "addition")
	def := &taskfs.Definition{
		Metadata:     taskfs.Metadata{Name: "addition", Version: "1.0.0"},
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"sum":{"type":"number"}},"required":["sum"]}`),
		Code:         "function execute(input, ctx) { return { sum: input.a + input.b }; }\n",
	}
	require.NoError(t, taskfs.Write(dir, def))
	loaded, err := taskfs.Load(dir)
	require.NoError(t, err)
	return loaded
}

func TestRunnerExecutesTask(t *testing.T) {
	runner := NewRunner(nil)
	def := additionTask(t)

	out, err := runner.Execute(def, json.RawMessage(`{"a":2,"b":3}`), ExecContext{TaskID: 1, JobID: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(out))
}

func TestRunnerModuleExports(t *testing.T) {
	runner := NewRunner(nil)
	def := &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: "exported", Version: "1.0.0"},
		Code:     "module.exports = function (input) { return { doubled: input.n * 2 }; };\n",
	}

	out, err := runner.Execute(def, json.RawMessage(`{"n":21}`), ExecContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"doubled":42}`, string(out))
}

func TestRunnerRejectsBadInput(t *testing.T) {
	runner := NewRunner(nil)
	def := additionTask(t)

	_, err := runner.Execute(def, json.RawMessage(`{"a":2}`), ExecContext{})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestRunnerRejectsBadOutput(t *testing.T) {
	runner := NewRunner(nil)
	def := additionTask(t)
	def.Code = "function execute(input) { return { wrong: true }; }"

	_, err := runner.Execute(def, json.RawMessage(`{"a":1,"b":2}`), ExecContext{})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestRunnerTaskThrow(t *testing.T) {
	runner := NewRunner(nil)
	def := &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: "thrower", Version: "1.0.0"},
		Code:     `function execute() { throw new Error("deliberate"); }`,
	}

	_, err := runner.Execute(def, nil, ExecContext{})
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Contains(t, taskErr.Message, "deliberate")
}

func TestRunnerValidate(t *testing.T) {
	runner := NewRunner(nil)

	ok := additionTask(t)
	require.NoError(t, runner.Validate(ok))

	noEntry := &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: "noop", Version: "1.0.0"},
		Code:     "var x = 1;",
	}
	assert.True(t, domain.IsKind(runner.Validate(noEntry), domain.KindValidation))

	syntax := &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: "broken", Version: "1.0.0"},
		Code:     "function execute( {",
	}
	assert.True(t, domain.IsKind(runner.Validate(syntax), domain.KindValidation))
}

// runtimeHarness wires a Runtime to in-memory pipes.
type runtimeHarness struct {
	toWorker   *ipc.Writer
	fromWorker *ipc.Reader
	done       chan error
}

func startRuntime(t *testing.T) *runtimeHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	rt := NewRuntime("test-worker", inR, outW, nil)
	h := &runtimeHarness{
		toWorker:   ipc.NewWriter(inW),
		fromWorker: ipc.NewReader(outR),
		done:       make(chan error, 1),
	}
	go func() { h.done <- rt.Run(context.Background()) }()
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *runtimeHarness) read(t *testing.T) ipc.Envelope {
	t.Helper()
	env, err := h.fromWorker.Read()
	require.NoError(t, err)
	return env
}

func TestRuntimeProtocolFlow(t *testing.T) {
	h := startRuntime(t)

	// First message is Ready.
	first := h.read(t)
	ready, ok := first.Message.(ipc.Ready)
	require.True(t, ok, "first message must be Ready, got %T", first.Message)
	assert.Equal(t, "test-worker", ready.WorkerID)

	// Ping/Pong echoes the correlation id.
	corr := uuid.New()
	require.NoError(t, h.toWorker.Send(ipc.Ping{CorrelationID: corr}))
	pongEnv := h.read(t)
	pong, ok := pongEnv.Message.(ipc.Pong)
	require.True(t, ok)
	assert.Equal(t, corr, pong.CorrelationID)
	assert.NotZero(t, pong.Status.PID)

	// Execute a real task end to end.
	def := additionTask(t)
	execCorr := uuid.New()
	require.NoError(t, h.toWorker.Send(ipc.ExecuteTask{
		JobID:         11,
		TaskID:        1,
		TaskPath:      def.Path,
		InputData:     json.RawMessage(`{"a":2,"b":3}`),
		CorrelationID: execCorr,
	}))
	resEnv := h.read(t)
	res, ok := resEnv.Message.(ipc.TaskResult)
	require.True(t, ok)
	assert.Equal(t, execCorr, res.CorrelationID)
	assert.Equal(t, int64(11), res.JobID)
	require.True(t, res.Result.Success)
	assert.JSONEq(t, `{"sum":5}`, string(res.Result.Output))
	assert.False(t, res.Result.StartedAt.After(res.Result.CompletedAt))
	assert.GreaterOrEqual(t, res.Result.DurationMS, int64(0))

	// Failing task reports success=false, not a crash.
	failCorr := uuid.New()
	require.NoError(t, h.toWorker.Send(ipc.ExecuteTask{
		JobID:         12,
		TaskID:        1,
		TaskPath:      filepath.Join(t.TempDir(), "missing"),
		CorrelationID: failCorr,
	}))
	failEnv := h.read(t)
	fail, ok := failEnv.Message.(ipc.TaskResult)
	require.True(t, ok)
	assert.False(t, fail.Result.Success)
	assert.NotEmpty(t, fail.Result.ErrorMessage)

	// Shutdown ends the loop cleanly.
	require.NoError(t, h.toWorker.Send(ipc.Shutdown{}))
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down")
	}
}

func TestRuntimeValidateMessage(t *testing.T) {
	h := startRuntime(t)
	_ = h.read(t) // Ready

	def := additionTask(t)
	corr := uuid.New()
	require.NoError(t, h.toWorker.Send(ipc.ValidateTask{TaskPath: def.Path, CorrelationID: corr}))

	env := h.read(t)
	res, ok := env.Message.(ipc.ValidationResult)
	require.True(t, ok)
	assert.Equal(t, corr, res.CorrelationID)
	assert.True(t, res.Result.Valid)
}
