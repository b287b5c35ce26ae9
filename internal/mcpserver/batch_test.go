package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain"
)

// recordingHandler tracks call order and lets tests script failures and
// latencies per method.
type recordingHandler struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]bool
	delays map[string]time.Duration
}

func (h *recordingHandler) handle(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, method)
	delay := h.delays[method]
	shouldFail := h.fail[method]
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, fmt.Errorf("scripted failure for %s", method)
	}
	return json.RawMessage(`{"ok":true,"method":"` + method + `"}`), nil
}

func (h *recordingHandler) callOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func indexOf(order []string, v string) int {
	for i, s := range order {
		if s == v {
			return i
		}
	}
	return -1
}

func newExec(h *recordingHandler) *BatchExecutor {
	return NewBatchExecutor(h.handle, 100, 10, time.Second, nil)
}

func TestBatchValidation(t *testing.T) {
	ctx := context.Background()
	e := newExec(&recordingHandler{})

	_, err := e.Execute(ctx, nil, BatchOptions{})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "empty batch")

	_, err = e.Execute(ctx, []BatchRequest{{ID: "a", Method: "m"}, {ID: "a", Method: "m"}}, BatchOptions{})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "duplicate id")

	_, err = e.Execute(ctx, []BatchRequest{{ID: "a", Method: "m", Dependencies: []string{"ghost"}}}, BatchOptions{})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "unknown dependency")

	// A <-> B cycle: nothing runs.
	h := &recordingHandler{}
	e = newExec(h)
	_, err = e.Execute(ctx, []BatchRequest{
		{ID: "a", Method: "ma", Dependencies: []string{"b"}},
		{ID: "b", Method: "mb", Dependencies: []string{"a"}},
	}, BatchOptions{Mode: ModeDependency})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "cycle")
	assert.Empty(t, h.callOrder())

	small := NewBatchExecutor(h.handle, 2, 10, time.Second, nil)
	_, err = small.Execute(ctx, []BatchRequest{
		{ID: "a", Method: "m"}, {ID: "b", Method: "m"}, {ID: "c", Method: "m"},
	}, BatchOptions{})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "over max size")
}

func TestBatchParallel(t *testing.T) {
	h := &recordingHandler{fail: map[string]bool{"bad": true}}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "1", Method: "one"},
		{ID: "2", Method: "bad"},
		{ID: "3", Method: "three"},
	}, BatchOptions{Mode: ModeParallel})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	assert.Equal(t, 3, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.Successful)
	assert.Equal(t, 1, res.Stats.Failed)
	assert.Equal(t, 0, res.Stats.Skipped)

	// Results come back in input order.
	assert.Equal(t, "1", res.Results[0].ID)
	assert.Equal(t, StatusFailed, res.Results[1].Status)
	require.NotNil(t, res.Results[1].Error)
	assert.Contains(t, res.Results[1].Error.Message, "scripted failure")
}

func TestBatchSequentialStopOnError(t *testing.T) {
	h := &recordingHandler{fail: map[string]bool{"second": true}}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "a", Method: "first"},
		{ID: "b", Method: "second"},
		{ID: "c", Method: "third"},
	}, BatchOptions{Mode: ModeSequential, StopOnError: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, h.callOrder())
	assert.Equal(t, StatusCompleted, res.Results[0].Status)
	assert.Equal(t, StatusFailed, res.Results[1].Status)
	assert.Equal(t, StatusSkipped, res.Results[2].Status)
	assert.Equal(t, 1, res.Stats.Skipped)
}

func TestBatchDependencyOrdering(t *testing.T) {
	// DAG: b and c depend on a; d depends on b and c.
	h := &recordingHandler{}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "d", Method: "md", Dependencies: []string{"b", "c"}},
		{ID: "b", Method: "mb", Dependencies: []string{"a"}},
		{ID: "c", Method: "mc", Dependencies: []string{"a"}},
		{ID: "a", Method: "ma"},
	}, BatchOptions{Mode: ModeDependency})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Stats.Successful)

	order := h.callOrder()
	require.Len(t, order, 4)
	assert.Less(t, indexOf(order, "ma"), indexOf(order, "mb"))
	assert.Less(t, indexOf(order, "ma"), indexOf(order, "mc"))
	assert.Less(t, indexOf(order, "mb"), indexOf(order, "md"))
	assert.Less(t, indexOf(order, "mc"), indexOf(order, "md"))
}

func TestBatchDependentsRunAfterFailure(t *testing.T) {
	// Without stop_on_error, dependents still run after a failed
	// dependency.
	h := &recordingHandler{fail: map[string]bool{"ma": true}}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "a", Method: "ma"},
		{ID: "b", Method: "mb", Dependencies: []string{"a"}},
	}, BatchOptions{Mode: ModeDependency})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Results[0].Status)
	assert.Equal(t, StatusCompleted, res.Results[1].Status)
}

func TestBatchPriorityDependency(t *testing.T) {
	// One at a time: priority decides who leaves the ready queue first.
	h := &recordingHandler{}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "low", Method: "mlow", Priority: 1},
		{ID: "high", Method: "mhigh", Priority: 10},
		{ID: "mid", Method: "mmid", Priority: 5},
	}, BatchOptions{Mode: ModePriorityDependency, MaxParallel: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Successful)
	assert.Equal(t, []string{"mhigh", "mmid", "mlow"}, h.callOrder())
	assert.Equal(t, 1, res.Stats.MaxParallelExecuted)
}

func TestBatchDedup(t *testing.T) {
	h := &recordingHandler{}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "1", Method: "foo", Params: json.RawMessage(`{"x":1}`)},
		{ID: "2", Method: "foo", Params: json.RawMessage(`{"x":1}`)},
		{ID: "3", Method: "foo", Params: json.RawMessage(`{"x":2}`)},
	}, BatchOptions{Mode: ModeParallel, Dedup: true})
	require.NoError(t, err)

	// The handler ran once per distinct (method, params).
	assert.Len(t, h.callOrder(), 2)

	// Every input id still gets a result, aliases mirroring canonicals.
	require.Len(t, res.Results, 3)
	assert.Equal(t, "1", res.Results[0].ID)
	assert.Equal(t, "2", res.Results[1].ID)
	assert.Equal(t, res.Results[0].Result, res.Results[1].Result)
	assert.Equal(t, 3, res.Stats.Total)
	assert.Equal(t, 3, res.Stats.Successful)
}

func TestBatchThreeDuplicatesCallOnce(t *testing.T) {
	h := &recordingHandler{}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "1", Method: "foo", Params: json.RawMessage(`{"x":1}`)},
		{ID: "2", Method: "foo", Params: json.RawMessage(`{"x":1}`)},
		{ID: "3", Method: "foo", Params: json.RawMessage(`{"x":1}`)},
	}, BatchOptions{Mode: ModeParallel, Dedup: true})
	require.NoError(t, err)
	assert.Len(t, h.callOrder(), 1)
	assert.Equal(t, 3, res.Stats.Successful)
}

func TestBatchPerItemTimeout(t *testing.T) {
	h := &recordingHandler{delays: map[string]time.Duration{"slow": 200 * time.Millisecond}}
	e := newExec(h)

	slow := int64(20)
	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "s", Method: "slow", TimeoutMS: &slow},
		{ID: "f", Method: "fast"},
	}, BatchOptions{Mode: ModeParallel})
	require.NoError(t, err, "a per-item timeout is an item error, not a batch abort")

	assert.Equal(t, StatusFailed, res.Results[0].Status)
	require.NotNil(t, res.Results[0].Error)
	assert.Contains(t, res.Results[0].Error.Message, "timed out")
	assert.Equal(t, StatusCompleted, res.Results[1].Status)
}

func TestBatchLevelTimeout(t *testing.T) {
	h := &recordingHandler{delays: map[string]time.Duration{"slow": 300 * time.Millisecond}}
	e := newExec(h)

	batchTimeout := int64(30)
	_, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "s1", Method: "slow"},
		{ID: "s2", Method: "slow"},
	}, BatchOptions{Mode: ModeParallel, BatchTimeoutMS: &batchTimeout})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTimeout))
}

func TestBatchProgressNotifications(t *testing.T) {
	h := &recordingHandler{}
	e := newExec(h)

	var mu sync.Mutex
	var events []Progress
	_, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "a", Method: "ma"},
		{ID: "b", Method: "mb"},
	}, BatchOptions{
		Mode:             ModeSequential,
		CorrelationToken: "tok-1",
		OnProgress: func(p Progress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "tok-1", events[0].CorrelationToken)
	assert.Equal(t, 1, events[0].Completed)
	assert.Equal(t, 2, events[0].Total)
	assert.Equal(t, 2, events[1].Completed)
	assert.False(t, events[1].Timestamp.IsZero())
}

func TestBatchMaxParallelObserved(t *testing.T) {
	h := &recordingHandler{delays: map[string]time.Duration{
		"m1": 50 * time.Millisecond, "m2": 50 * time.Millisecond,
		"m3": 50 * time.Millisecond, "m4": 50 * time.Millisecond,
	}}
	e := newExec(h)

	res, err := e.Execute(context.Background(), []BatchRequest{
		{ID: "1", Method: "m1"}, {ID: "2", Method: "m2"},
		{ID: "3", Method: "m3"}, {ID: "4", Method: "m4"},
	}, BatchOptions{Mode: ModeParallel, MaxParallel: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Stats.MaxParallelExecuted, 2)
	assert.GreaterOrEqual(t, res.Stats.MaxParallelExecuted, 1)
}
