package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

// Runtime is one worker process: a sequential read-handle-respond loop
// over stdin/stdout. It holds one task at a time.
type Runtime struct {
	workerID string
	reader   *ipc.Reader
	writer   *ipc.Writer
	runner   *Runner
	logger   *slog.Logger

	startedAt     time.Time
	lastActivity  time.Time
	tasksExecuted int
	tasksFailed   int
}

// NewRuntime builds a worker over the given streams. Production wiring
// passes os.Stdin/os.Stdout; tests pass pipes.
func NewRuntime(workerID string, in io.Reader, out io.Writer, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Runtime{
		workerID:     workerID,
		reader:       ipc.NewReader(in),
		writer:       ipc.NewWriter(out),
		runner:       NewRunner(logger),
		logger:       logger,
		startedAt:    now,
		lastActivity: now,
	}
}

// Run announces readiness and serves messages until Shutdown, stream
// close, or context cancellation. A nil return is a clean shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.writer.Send(ipc.Ready{WorkerID: r.workerID}); err != nil {
		return err
	}
	r.logger.Info("worker ready", "worker_id", r.workerID, "pid", os.Getpid())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, err := r.reader.Read()
		var malformed *ipc.ErrMalformed
		if errors.As(err, &malformed) {
			r.logger.Warn("skipping malformed coordinator message", "error", malformed.Err)
			_ = r.writer.Send(ipc.WireError{Kind: ipc.ErrKindMessageParse, Message: malformed.Err.Error()})
			continue
		}
		if errors.Is(err, io.EOF) {
			r.logger.Info("coordinator closed stdin; exiting", "worker_id", r.workerID)
			return nil
		}
		if err != nil {
			return err
		}

		r.lastActivity = time.Now().UTC().Truncate(time.Millisecond)

		switch msg := env.Message.(type) {
		case ipc.ExecuteTask:
			r.handleExecute(msg)
		case ipc.ValidateTask:
			r.handleValidate(msg)
		case ipc.Ping:
			r.handlePing(msg)
		case ipc.Shutdown:
			r.logger.Info("shutdown requested", "worker_id", r.workerID)
			return nil
		default:
			corr, _ := ipc.CorrelationOf(env.Message)
			r.sendError(&corr, ipc.ErrKindUnsupported, "unexpected message type %q", env.Message.Type())
		}
	}
}

func (r *Runtime) handleExecute(msg ipc.ExecuteTask) {
	def, err := taskfs.Load(msg.TaskPath)
	if err != nil {
		r.tasksFailed++
		r.respondFailure(msg, time.Now().UTC(), time.Now().UTC(), "task load failed: "+err.Error(), nil)
		return
	}

	out, started, completed, err := r.runner.timedExecute(def, msg.InputData, ExecContext{
		TaskID:      msg.TaskID,
		JobID:       msg.JobID,
		ExecutionID: msg.CorrelationID.String(),
	})
	if err != nil {
		r.tasksFailed++
		var details json.RawMessage
		var taskErr *TaskError
		if errors.As(err, &taskErr) && taskErr.Value != nil {
			if d, merr := json.Marshal(taskErr.Value); merr == nil {
				details = d
			}
		}
		r.respondFailure(msg, started, completed, err.Error(), details)
		return
	}

	r.tasksExecuted++
	_ = r.writer.Send(ipc.TaskResult{
		JobID:         msg.JobID,
		CorrelationID: msg.CorrelationID,
		Result: ipc.ExecutionResult{
			Success:     true,
			Output:      out,
			StartedAt:   started,
			CompletedAt: completed,
			DurationMS:  completed.Sub(started).Milliseconds(),
		},
	})
}

func (r *Runtime) respondFailure(msg ipc.ExecuteTask, started, completed time.Time, errMsg string, details json.RawMessage) {
	_ = r.writer.Send(ipc.TaskResult{
		JobID:         msg.JobID,
		CorrelationID: msg.CorrelationID,
		Result: ipc.ExecutionResult{
			Success:      false,
			ErrorMessage: errMsg,
			ErrorDetails: details,
			StartedAt:    started,
			CompletedAt:  completed,
			DurationMS:   completed.Sub(started).Milliseconds(),
		},
	})
}

func (r *Runtime) handleValidate(msg ipc.ValidateTask) {
	outcome := ipc.ValidationOutcome{Valid: true}

	def, err := taskfs.Load(msg.TaskPath)
	if err == nil {
		err = r.runner.Validate(def)
	}
	if err != nil {
		outcome = ipc.ValidationOutcome{Valid: false, ErrorMessage: err.Error()}
	}

	_ = r.writer.Send(ipc.ValidationResult{CorrelationID: msg.CorrelationID, Result: outcome})
}

func (r *Runtime) handlePing(msg ipc.Ping) {
	_ = r.writer.Send(ipc.Pong{
		CorrelationID: msg.CorrelationID,
		WorkerID:      r.workerID,
		Status: ipc.WorkerStatus{
			PID:           os.Getpid(),
			StartedAt:     r.startedAt,
			LastActivity:  r.lastActivity,
			TasksExecuted: r.tasksExecuted,
			TasksFailed:   r.tasksFailed,
		},
	})
}

func (r *Runtime) sendError(corr *uuid.UUID, kind, format string, args ...any) {
	var id *uuid.UUID
	if corr != nil && *corr != uuid.Nil {
		id = corr
	}
	_ = r.writer.Send(ipc.WireError{CorrelationID: id, Kind: kind, Message: fmt.Sprintf(format, args...)})
}
