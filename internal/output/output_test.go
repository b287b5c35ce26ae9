package output

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain"
)

type memRecorder struct {
	mu      sync.Mutex
	results []*domain.DeliveryResult
}

func (r *memRecorder) RecordDelivery(_ context.Context, d *domain.DeliveryResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, d)
	return nil
}

func fixtures() (*domain.Job, *domain.Execution) {
	job := domain.NewJob(1, nil, domain.PriorityNormal)
	job.ID = 42
	exec := domain.NewExecution(1, nil)
	exec.ID = 7
	exec.Output = json.RawMessage(`{"sum":5}`)
	exec.Status = domain.ExecutionCompleted
	completed := time.Now().UTC().Truncate(time.Millisecond)
	exec.CompletedAt = &completed
	return job, exec
}

func destinations(t *testing.T, configs []DestinationConfig) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(configs)
	require.NoError(t, err)
	return raw
}

func TestTemplateRender(t *testing.T) {
	tctx := TemplateContext{Output: `{"sum":5}`, TaskName: "addition", ExecutionID: "abc", CompletedAt: "2025-06-01T12:00:00Z"}
	got := tctx.Render("task={{task_name}} exec={{execution_id}} out={{output}} at={{completed_at}} keep={{unknown}}")
	assert.Equal(t, `task=addition exec=abc out={"sum":5} at=2025-06-01T12:00:00Z keep={{unknown}}`, got)
}

func TestFilesystemDelivery(t *testing.T) {
	ctx := context.Background()
	rec := &memRecorder{}
	m := NewManager(rec, nil)
	job, exec := fixtures()

	path := filepath.Join(t.TempDir(), "out", "{{task_name}}.json")
	job.OutputDestinations = destinations(t, []DestinationConfig{{
		Type:       TypeFilesystem,
		Filesystem: &FilesystemConfig{Path: path, Format: FormatJSONCompact, CreateDirs: true, Overwrite: true},
	}})

	results, err := m.DeliverAll(ctx, job, exec, "addition")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, TypeFilesystem, results[0].DestinationType)
	assert.Positive(t, results[0].SizeBytes)

	content, err := os.ReadFile(filepath.Join(filepath.Dir(path), "addition.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(content))

	require.Len(t, rec.results, 1)
}

func TestFilesystemRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	rec := &memRecorder{}
	m := NewManager(rec, nil)
	job, exec := fixtures()

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, os.WriteFile(path, []byte("existing"), 0o644))

	job.OutputDestinations = destinations(t, []DestinationConfig{{
		Type:       TypeFilesystem,
		Filesystem: &FilesystemConfig{Path: path}, // overwrite defaults to false
	}})

	results, err := m.DeliverAll(ctx, job, exec, "addition")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindDeliveryFailed))
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	// The existing file is untouched.
	content, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "existing", string(content))
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	m := NewManager(rec, nil)
	job, exec := fixtures()
	job.OutputDestinations = destinations(t, []DestinationConfig{{
		Type: TypeWebhook,
		Webhook: &WebhookConfig{
			URL: srv.URL,
			Retry: &RetryPolicy{
				MaxAttempts:   3,
				InitialDelay:  5 * time.Millisecond,
				Multiplier:    2,
				RetryOnStatus: []int{503},
			},
		},
	}})

	results, err := m.DeliverAll(ctx, job, exec, "addition")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.EqualValues(t, 3, calls.Load())
	require.NotNil(t, results[0].ResponseInfo)
	assert.Contains(t, *results[0].ResponseInfo, "3 attempt")
}

func TestWebhook400IsTerminal(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	m := NewManager(rec, nil)
	job, exec := fixtures()
	job.OutputDestinations = destinations(t, []DestinationConfig{{
		Type: TypeWebhook,
		Webhook: &WebhookConfig{
			URL:   srv.URL,
			Retry: &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, RetryOnStatus: []int{503}},
		},
	}})

	results, err := m.DeliverAll(ctx, job, exec, "addition")
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.EqualValues(t, 1, calls.Load(), "400 must not retry")
}

func TestWebhookAuthHeaders(t *testing.T) {
	ctx := context.Background()
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	m := NewManager(rec, nil)
	job, exec := fixtures()

	job.OutputDestinations = destinations(t, []DestinationConfig{{
		Type:    TypeWebhook,
		Webhook: &WebhookConfig{URL: srv.URL, Auth: &WebhookAuth{Type: AuthBearer, Token: "sekret"}},
	}})
	_, err := m.DeliverAll(ctx, job, exec, "addition")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekret", gotAuth)

	job.OutputDestinations = destinations(t, []DestinationConfig{{
		Type:    TypeWebhook,
		Webhook: &WebhookConfig{URL: srv.URL, Auth: &WebhookAuth{Type: AuthAPIKey, Key: "k123"}},
	}})
	_, err = m.DeliverAll(ctx, job, exec, "addition")
	require.NoError(t, err)
	assert.Equal(t, "k123", gotKey)
}

func TestStubDestinations(t *testing.T) {
	ctx := context.Background()
	rec := &memRecorder{}
	m := NewManager(rec, nil)
	job, exec := fixtures()
	job.OutputDestinations = destinations(t, []DestinationConfig{{Type: TypeDatabase}, {Type: TypeS3}})

	results, err := m.DeliverAll(ctx, job, exec, "addition")
	require.Error(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		require.NotNil(t, r.ErrorMessage)
		assert.Contains(t, *r.ErrorMessage, "not implemented")
	}
}

func TestFormatOutput(t *testing.T) {
	out := json.RawMessage(`[{"name":"a","n":1},{"name":"b","n":2}]`)

	csvBytes, err := formatOutput(FormatCSV, out, TemplateContext{}, "")
	require.NoError(t, err)
	assert.Equal(t, "n,name\n1,a\n2,b\n", string(csvBytes))

	yamlBytes, err := formatOutput(FormatYAML, json.RawMessage(`{"sum":5}`), TemplateContext{}, "")
	require.NoError(t, err)
	assert.Contains(t, string(yamlBytes), "sum: 5")

	raw, err := formatOutput(FormatRaw, json.RawMessage(`{"sum":5}`), TemplateContext{}, "")
	require.NoError(t, err)
	assert.Equal(t, `{"sum":5}`, string(raw))

	tmpl, err := formatOutput(FormatTemplate, nil, TemplateContext{TaskName: "t1"}, "result for {{task_name}}")
	require.NoError(t, err)
	assert.Equal(t, "result for t1", string(tmpl))

	_, err = formatOutput("xml", nil, TemplateContext{}, "")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestParseDestinationsValidation(t *testing.T) {
	_, err := ParseDestinations(json.RawMessage(`[{"type":"carrier-pigeon"}]`))
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = ParseDestinations(json.RawMessage(`[{"type":"filesystem"}]`))
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	configs, err := ParseDestinations(nil)
	require.NoError(t, err)
	assert.Nil(t, configs)
}
