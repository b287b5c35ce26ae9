package output

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/observability"
)

// Recorder persists terminal delivery outcomes.
type Recorder interface {
	RecordDelivery(ctx context.Context, d *domain.DeliveryResult) error
}

// Manager fans execution output out to a job's destinations.
type Manager struct {
	recorder     Recorder
	logger       *slog.Logger
	metrics      *observability.DeliveryMetrics
	httpClient   *http.Client
	httpTimeout  time.Duration
	defaultRetry *RetryPolicy

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the shared webhook client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithHTTPTimeout bounds one webhook attempt (default 30s).
func WithHTTPTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.httpTimeout = d
		}
	}
}

// WithDefaultRetry sets the policy used by destinations without one.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(m *Manager) { m.defaultRetry = &p }
}

// WithMetrics attaches delivery counters.
func WithMetrics(metrics *observability.DeliveryMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates the delivery manager.
func NewManager(recorder Recorder, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		recorder:    recorder,
		logger:      logger,
		httpClient:  &http.Client{},
		httpTimeout: 30 * time.Second,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) breakerFor(host string) *gobreaker.CircuitBreaker {
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()
	if cb, ok := m.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook:" + host,
		Timeout: 30 * time.Second,
	})
	m.breakers[host] = cb
	return cb
}

// DeliverAll runs every destination in parallel and waits for all of
// them. Each terminal outcome is recorded; the returned slice mirrors
// the destination order. The error is non-nil only when at least one
// delivery failed — callers decide whether that matters, execution state
// never rolls back on it.
func (m *Manager) DeliverAll(ctx context.Context, job *domain.Job, exec *domain.Execution, taskName string) ([]*domain.DeliveryResult, error) {
	configs, err := ParseDestinations(job.OutputDestinations)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}

	tctx := TemplateContext{
		Output:      compactOutput(exec.Output),
		TaskName:    taskName,
		ExecutionID: exec.UUID.String(),
	}
	if exec.CompletedAt != nil {
		tctx.CompletedAt = exec.CompletedAt.UTC().Format(time.RFC3339)
	}

	results := make([]*domain.DeliveryResult, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg DestinationConfig) {
			defer wg.Done()
			results[i] = m.deliverOne(ctx, cfg, job, exec, tctx)
		}(i, cfg)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return results, domain.E(domain.KindDeliveryFailed, "%d of %d deliveries failed", failed, len(results))
	}
	return results, nil
}

func (m *Manager) deliverOne(ctx context.Context, cfg DestinationConfig, job *domain.Job, exec *domain.Execution, tctx TemplateContext) *domain.DeliveryResult {
	start := time.Now()
	info, size, err := m.dispatch(ctx, cfg, exec.Output, tctx)
	elapsed := time.Since(start)

	result := &domain.DeliveryResult{
		JobID:           job.ID,
		ExecutionID:     exec.ID,
		DestinationType: cfg.Type,
		DestinationID:   cfg.ID(),
		Success:         err == nil,
		DeliveryTimeMS:  elapsed.Milliseconds(),
		SizeBytes:       size,
	}
	if info != "" {
		result.ResponseInfo = &info
	}
	if err != nil {
		msg := err.Error()
		result.ErrorMessage = &msg
		m.logger.WarnContext(ctx, "output delivery failed",
			"job_id", job.ID, "execution_id", exec.ID,
			"destination_type", cfg.Type, "destination", cfg.ID(), "error", err)
	} else {
		m.logger.InfoContext(ctx, "output delivered",
			"job_id", job.ID, "execution_id", exec.ID,
			"destination_type", cfg.Type, "destination", cfg.ID(),
			"bytes", size, "duration_ms", elapsed.Milliseconds())
	}

	if m.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.metrics.Attempts.WithLabelValues(cfg.Type, outcome).Inc()
		m.metrics.Duration.Observe(elapsed.Seconds())
	}

	if recErr := m.recorder.RecordDelivery(ctx, result); recErr != nil {
		m.logger.ErrorContext(ctx, "failed to record delivery result",
			"job_id", job.ID, "destination", cfg.ID(), "error", recErr)
	}
	return result
}

func (m *Manager) dispatch(ctx context.Context, cfg DestinationConfig, output json.RawMessage, tctx TemplateContext) (string, int64, error) {
	switch cfg.Type {
	case TypeFilesystem:
		return deliverFilesystem(ctx, cfg.Filesystem, output, tctx)
	case TypeWebhook:
		return m.deliverWebhook(ctx, cfg.Webhook, output, tctx)
	case TypeGCS:
		return deliverGCS(ctx, cfg.GCS, output, tctx)
	case TypeDatabase, TypeS3:
		return "", 0, domain.E(domain.KindNotImplemented, "%s destinations are not implemented", cfg.Type)
	default:
		return "", 0, domain.E(domain.KindValidation, "unknown destination type %q", cfg.Type)
	}
}

func compactOutput(output json.RawMessage) string {
	if len(output) == 0 {
		return "null"
	}
	return string(output)
}
