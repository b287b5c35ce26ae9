package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/engine"
	"github.com/ratchetd/ratchet/internal/httpapi"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/scheduler"
	sqlstorage "github.com/ratchetd/ratchet/internal/storage/sql"
	"github.com/ratchetd/ratchet/internal/storage/sql/repository"
	"github.com/ratchetd/ratchet/internal/taskdev"
)

func newTestServer(t *testing.T) (*httptest.Server, *repository.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlstorage.Open(context.Background(), sqlstorage.Config{
		URL: "sqlite://" + filepath.Join(dir, "api-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, nil)
	api := &httpapi.Server{
		Store:     store,
		Queue:     q,
		Engine:    engine.New(store, q, nil, nil, nil),
		Scheduler: scheduler.New(store, q, nil),
		TaskDev:   taskdev.New(store, filepath.Join(dir, "tasks"), nil),
	}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestTaskEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	// Create through the task-dev surface.
	resp := postJSON(t, srv.URL+"/api/v1/tasks/", `{
		"name": "addition",
		"version": "1.0.0",
		"code": "function execute(input) { return { sum: input.a + input.b }; }"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct{ ID int64 }
	decode(t, resp, &created)
	require.NotZero(t, created.ID)

	// List with a filter.
	resp, err := http.Get(srv.URL + "/api/v1/tasks/?name=addi")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []json.RawMessage `json:"items"`
		Total int64             `json:"total"`
	}
	decode(t, resp, &page)
	assert.EqualValues(t, 1, page.Total)

	// Unknown id maps to 404 with the kind tag.
	resp, err = http.Get(srv.URL + "/api/v1/tasks/999")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	decode(t, resp, &apiErr)
	assert.Equal(t, string(domain.KindNotFound), apiErr.Error.Kind)

	// Invalid create maps to 400.
	resp = postJSON(t, srv.URL+"/api/v1/tasks/", `{"name":"x","version":"nope","code":"function execute(){}"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestJobEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	task := domain.NewTask("runner", "1.0.0")
	require.NoError(t, store.CreateTask(ctx, task))

	resp := postJSON(t, srv.URL+"/api/v1/jobs/", `{"task_id": `+jsonInt(task.ID)+`, "priority": "high"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job struct {
		ID       int64
		Priority string
	}
	decode(t, resp, &job)
	assert.Equal(t, "high", job.Priority)

	// Cancel a queued job, then cancel again: 409.
	resp = postJSON(t, srv.URL+"/api/v1/jobs/"+jsonInt(job.ID)+"/cancel", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/jobs/"+jsonInt(job.ID)+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Disabled task enqueue maps to 400.
	require.NoError(t, store.SetTaskEnabled(ctx, task.ID, false))
	resp = postJSON(t, srv.URL+"/api/v1/jobs/", `{"task_id": `+jsonInt(task.ID)+`}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestScheduleEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	task := domain.NewTask("scheduled", "1.0.0")
	require.NoError(t, store.CreateTask(ctx, task))

	resp := postJSON(t, srv.URL+"/api/v1/schedules/", `{
		"task_id": `+jsonInt(task.ID)+`,
		"name": "every-minute",
		"cron_expression": "0 * * * * *"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sched struct {
		ID        int64
		NextRunAt *string
	}
	decode(t, resp, &sched)
	require.NotZero(t, sched.ID)

	// Bad cron maps to 400.
	resp = postJSON(t, srv.URL+"/api/v1/schedules/", `{
		"task_id": `+jsonInt(task.ID)+`,
		"name": "broken",
		"cron_expression": "whenever"
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Healthy bool `json:"healthy"`
	}
	decode(t, resp, &health)
	assert.True(t, health.Healthy)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
