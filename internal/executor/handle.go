package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/ipc"
)

// readyTimeout bounds how long a fresh worker may take to announce Ready.
const readyTimeout = 10 * time.Second

// parse-error escalation: more than maxParseErrors malformed lines inside
// parseErrorWindow kills the worker.
const (
	maxParseErrors   = 3
	parseErrorWindow = 10 * time.Second
)

// errWorkerGone is delivered to pending requests when the worker exits.
var errWorkerGone = errors.New("worker exited")

// handle is the coordinator-side state for one worker process. The read
// loop is the only goroutine touching the decoder; writes serialise
// through the ipc.Writer mutex.
type handle struct {
	id     string
	proc   *Process
	writer *ipc.Writer
	reader *ipc.Reader
	logger *slog.Logger

	mu            sync.Mutex
	state         domain.WorkerState
	busyJobID     *int64
	startedAt     time.Time
	lastActivity  time.Time
	tasksExecuted int
	tasksFailed   int
	pending       map[uuid.UUID]chan ipc.Message
	parseErrors   []time.Time

	// exited closes when the process is gone; exitErr holds Wait's result.
	exited  chan struct{}
	exitErr error
}

func newHandle(id string, proc *Process, logger *slog.Logger) *handle {
	now := time.Now().UTC()
	return &handle{
		id:           id,
		proc:         proc,
		writer:       ipc.NewWriter(proc.Stdin),
		reader:       ipc.NewReader(proc.Stdout),
		logger:       logger,
		state:        domain.WorkerStarting,
		startedAt:    now,
		lastActivity: now,
		pending:      make(map[uuid.UUID]chan ipc.Message),
		exited:       make(chan struct{}),
	}
}

// awaitReady consumes the worker's first message, which must be Ready.
func (h *handle) awaitReady(firstMsg <-chan ipc.Message) error {
	select {
	case msg, ok := <-firstMsg:
		if !ok {
			return domain.E(domain.KindWorkerCrashed, "worker %s exited before Ready", h.id)
		}
		ready, isReady := msg.(ipc.Ready)
		if !isReady {
			_ = h.proc.Kill()
			return domain.E(domain.KindProtocolViolation, "worker %s sent %T before Ready", h.id, msg)
		}
		if ready.WorkerID != h.id {
			_ = h.proc.Kill()
			return domain.E(domain.KindProtocolViolation, "worker announced id %q, expected %q", ready.WorkerID, h.id)
		}
		h.setState(domain.WorkerReady, nil)
		return nil
	case <-time.After(readyTimeout):
		_ = h.proc.Kill()
		return domain.E(domain.KindTimeout, "worker %s did not become ready within %s", h.id, readyTimeout)
	}
}

// readLoop decodes worker output and routes responses to their pending
// request channels. It runs until the stream closes.
func (h *handle) readLoop(firstMsg chan<- ipc.Message) {
	first := true
	for {
		env, err := h.reader.Read()

		var malformed *ipc.ErrMalformed
		if errors.As(err, &malformed) {
			h.logger.Warn("malformed worker message; skipping line",
				"worker_id", h.id, "error", malformed.Err)
			if h.recordParseError() {
				h.logger.Error("repeated parse errors; killing worker", "worker_id", h.id)
				_ = h.proc.Kill()
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) || err != nil {
			break
		}

		h.touch()

		if first {
			first = false
			firstMsg <- env.Message
			close(firstMsg)
			if _, ok := env.Message.(ipc.Ready); !ok {
				break // protocol violation; awaitReady kills the process
			}
			continue
		}

		corr, ok := ipc.CorrelationOf(env.Message)
		if !ok {
			h.logger.Warn("worker message without correlation id; dropping",
				"worker_id", h.id, "type", env.Message.Type())
			continue
		}
		h.deliver(corr, env.Message)
	}

	if first {
		close(firstMsg)
	}
	h.failPending()
}

func (h *handle) recordParseError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-parseErrorWindow)
	kept := h.parseErrors[:0]
	for _, t := range h.parseErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.parseErrors = append(kept, now)
	return len(h.parseErrors) > maxParseErrors
}

func (h *handle) deliver(corr uuid.UUID, msg ipc.Message) {
	h.mu.Lock()
	ch, ok := h.pending[corr]
	if ok {
		delete(h.pending, corr)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("response for unknown correlation id; dropping",
			"worker_id", h.id, "correlation_id", corr, "type", msg.Type())
		return
	}
	ch <- msg
}

// failPending closes every outstanding request channel; waiters observe
// errWorkerGone.
func (h *handle) failPending() {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[uuid.UUID]chan ipc.Message)
	h.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// request sends a correlated message and waits for its response.
func (h *handle) request(ctx context.Context, msg ipc.Message, corr uuid.UUID, timeout time.Duration) (ipc.Message, error) {
	ch := make(chan ipc.Message, 1)
	h.mu.Lock()
	h.pending[corr] = ch
	h.mu.Unlock()

	cleanup := func() {
		h.mu.Lock()
		delete(h.pending, corr)
		h.mu.Unlock()
	}

	if err := h.writer.Send(msg); err != nil {
		cleanup()
		return nil, domain.Wrap(domain.KindWorkerCrashed, err, "failed to send to worker %s", h.id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, domain.Wrap(domain.KindWorkerCrashed, errWorkerGone, "worker %s exited mid-request", h.id)
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, domain.E(domain.KindTimeout, "worker %s response timed out after %s", h.id, timeout)
	case <-ctx.Done():
		cleanup()
		return nil, domain.Wrap(domain.KindCancelled, ctx.Err(), "request to worker %s cancelled", h.id)
	}
}

// send fires a message without expecting a response.
func (h *handle) send(msg ipc.Message) error {
	return h.writer.Send(msg)
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now().UTC()
	h.mu.Unlock()
}

func (h *handle) setState(state domain.WorkerState, busyJobID *int64) {
	h.mu.Lock()
	h.state = state
	h.busyJobID = busyJobID
	h.mu.Unlock()
}

func (h *handle) currentState() domain.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) recordResult(failed bool) {
	h.mu.Lock()
	if failed {
		h.tasksFailed++
	} else {
		h.tasksExecuted++
	}
	h.mu.Unlock()
}

// snapshot reports the worker for health and API surfaces.
func (h *handle) snapshot() domain.WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.WorkerInfo{
		WorkerID:      h.id,
		PID:           h.proc.PID,
		StartedAt:     h.startedAt,
		LastActivity:  h.lastActivity,
		TasksExecuted: h.tasksExecuted,
		TasksFailed:   h.tasksFailed,
		State:         h.state,
		BusyJobID:     h.busyJobID,
	}
}
