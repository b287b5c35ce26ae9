package repository_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain"
	sqlstorage "github.com/ratchetd/ratchet/internal/storage/sql"
	"github.com/ratchetd/ratchet/internal/storage/sql/repository"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "ratchet-test.db")
	store, err := sqlstorage.Open(context.Background(), sqlstorage.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTask(t *testing.T, store *repository.Store, name string) *domain.Task {
	t.Helper()
	task := domain.NewTask(name, "1.0.0")
	task.InputSchema = json.RawMessage(`{"type":"object"}`)
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestTaskCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.HealthCheck(ctx))

	task := createTask(t, store, "addition")
	require.NotZero(t, task.ID)

	byID, err := store.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "addition", byID.Name)
	assert.Equal(t, task.UUID, byID.UUID)
	assert.JSONEq(t, `{"type":"object"}`, string(byID.InputSchema))

	byName, err := store.FindTaskByName(ctx, "addition")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byName.ID)

	// Unique name is enforced.
	dup := domain.NewTask("addition", "2.0.0")
	err = store.CreateTask(ctx, dup)
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	require.NoError(t, store.SetTaskEnabled(ctx, task.ID, false))
	updated, err := store.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	require.NoError(t, store.MarkTaskValidated(ctx, task.ID))
	validated, err := store.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, validated.ValidatedAt)

	_, err = store.FindTaskByID(ctx, 99999)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	require.NoError(t, store.DeleteTask(ctx, task.ID))
	err = store.DeleteTask(ctx, task.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestListTasksFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	createTask(t, store, "web-scraper")
	createTask(t, store, "web-indexer")
	mail := createTask(t, store, "mail-sender")
	require.NoError(t, store.SetTaskEnabled(ctx, mail.ID, false))

	page, err := store.ListTasks(ctx, domain.TaskFilters{
		Name: &domain.StringFilter{Value: "web-", Match: domain.MatchStartsWith},
	}, domain.Pagination{Limit: 10}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	enabled := true
	page, err = store.ListTasks(ctx, domain.TaskFilters{Enabled: &enabled}, domain.Pagination{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	// Unknown sort fields are a validation error, not silently ignored.
	_, err = store.ListTasks(ctx, domain.TaskFilters{}, domain.Pagination{}, &domain.Sort{Field: "bogus"})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	// Pagination bookkeeping.
	page, err = store.ListTasks(ctx, domain.TaskFilters{}, domain.Pagination{Limit: 2}, &domain.Sort{Field: "name"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "lifecycle")

	exec := domain.NewExecution(task.ID, json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, store.CreateExecution(ctx, exec))
	assert.Equal(t, domain.ExecutionPending, exec.Status)

	require.NoError(t, store.MarkExecutionStarted(ctx, exec.ID))

	// Double-start loses the guard.
	assert.ErrorIs(t, store.MarkExecutionStarted(ctx, exec.ID), domain.ErrStale)

	started, err := store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)

	completedAt := started.StartedAt.Add(125 * time.Millisecond)
	require.NoError(t, store.MarkExecutionCompleted(ctx, exec.ID, json.RawMessage(`{"sum":5}`), *started.StartedAt, completedAt))

	done, err := store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, done.Status)
	assert.JSONEq(t, `{"sum":5}`, string(done.Output))
	require.NotNil(t, done.DurationMS)
	assert.EqualValues(t, 125, *done.DurationMS)
	assert.False(t, done.QueuedAt.After(*done.StartedAt))
	assert.False(t, done.StartedAt.After(*done.CompletedAt))

	// Terminal states are sticky.
	assert.ErrorIs(t, store.MarkExecutionFailed(ctx, exec.ID, "late failure", nil), domain.ErrStale)
	assert.ErrorIs(t, store.MarkExecutionCancelled(ctx, exec.ID), domain.ErrStale)
}

func TestJobClaimRace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "race")

	job := domain.NewJob(task.ID, nil, domain.PriorityNormal)
	require.NoError(t, store.CreateJob(ctx, job))

	// Two claimants; exactly one mark_processing wins.
	require.NoError(t, store.MarkJobProcessing(ctx, job.ID))
	assert.ErrorIs(t, store.MarkJobProcessing(ctx, job.ID), domain.ErrStale)
}

func TestJobReadyOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "ordering")

	mk := func(p domain.Priority) *domain.Job {
		j := domain.NewJob(task.ID, nil, p)
		require.NoError(t, store.CreateJob(ctx, j))
		time.Sleep(2 * time.Millisecond) // distinct queued_at at ms resolution
		return j
	}
	low := mk(domain.PriorityLow)
	high := mk(domain.PriorityHigh)
	normal := mk(domain.PriorityNormal)
	high2 := mk(domain.PriorityHigh)

	ready, err := store.FindJobsReadyForProcessing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 4)
	assert.Equal(t, high.ID, ready[0].ID)
	assert.Equal(t, high2.ID, ready[1].ID)
	assert.Equal(t, normal.ID, ready[2].ID)
	assert.Equal(t, low.ID, ready[3].ID)

	// Future process_at keeps a job out of the ready set.
	future := time.Now().UTC().Add(time.Hour)
	deferred := domain.NewJob(task.ID, nil, domain.PriorityCritical)
	deferred.ProcessAt = &future
	require.NoError(t, store.CreateJob(ctx, deferred))

	ready, err = store.FindJobsReadyForProcessing(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ready, 4)
}

func TestJobRetryFlow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "retry")

	job := domain.NewJob(task.ID, nil, domain.PriorityNormal)
	job.MaxRetries = 2
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.MarkJobProcessing(ctx, job.ID))

	at := time.Now().UTC().Add(50 * time.Millisecond)
	require.NoError(t, store.ScheduleJobRetry(ctx, job.ID, at, "boom"))

	retrying, err := store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRetrying, retrying.Status)
	assert.Equal(t, 1, retrying.RetryCount)
	require.NotNil(t, retrying.ProcessAt)

	// Not ready until process_at passes.
	ready, err := store.FindJobsReadyForProcessing(ctx, 10)
	require.NoError(t, err)
	if len(ready) != 0 {
		// The clock may have already crossed process_at; then it must be ours.
		assert.Equal(t, job.ID, ready[0].ID)
	}

	time.Sleep(60 * time.Millisecond)
	ready, err = store.FindJobsReadyForProcessing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	require.NoError(t, store.MarkJobProcessing(ctx, job.ID))
	require.NoError(t, store.ScheduleJobRetry(ctx, job.ID, time.Now().UTC(), "boom again"))

	// Budget spent: a third retry is refused by the guard.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.MarkJobProcessing(ctx, job.ID))
	assert.ErrorIs(t, store.ScheduleJobRetry(ctx, job.ID, time.Now().UTC(), "over budget"), domain.ErrStale)

	require.NoError(t, store.MarkJobFailed(ctx, job.ID, "exhausted"))
	failed, err := store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, failed.Status)
	assert.LessOrEqual(t, failed.RetryCount, failed.MaxRetries)
}

func TestJobCompleteIdempotence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "complete")

	job := domain.NewJob(task.ID, nil, domain.PriorityNormal)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.MarkJobProcessing(ctx, job.ID))
	require.NoError(t, store.MarkJobCompleted(ctx, job.ID))

	// Re-complete returns the stale marker; queue maps it to Conflict.
	assert.ErrorIs(t, store.MarkJobCompleted(ctx, job.ID), domain.ErrStale)
}

func TestCancelQueuedJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "cancel")

	job := domain.NewJob(task.ID, nil, domain.PriorityNormal)
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, store.CancelQueuedJob(ctx, job.ID))
	cancelled, err := store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, cancelled.Status)

	// Cancel on a terminal job loses the guard; state is unchanged.
	assert.ErrorIs(t, store.CancelQueuedJob(ctx, job.ID), domain.ErrStale)
	still, err := store.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, still.Status)
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "scheduled")

	sched := domain.NewSchedule(task.ID, "every-five", "0 */5 * * * *", json.RawMessage(`{}`))
	max := 2
	sched.MaxExecutions = &max
	require.NoError(t, store.CreateSchedule(ctx, sched))

	// Unique name.
	dup := domain.NewSchedule(task.ID, "every-five", "0 */5 * * * *", nil)
	assert.True(t, domain.IsKind(store.CreateSchedule(ctx, dup), domain.KindConflict))

	// Not ready while next_run_at is unset.
	ready, err := store.FindSchedulesReadyToRun(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, ready)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.UpdateScheduleNextRun(ctx, sched.ID, past))

	ready, err = store.FindSchedulesReadyToRun(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// next_run_at only advances.
	older := past.Add(-time.Hour)
	assert.ErrorIs(t, store.UpdateScheduleNextRun(ctx, sched.ID, older), domain.ErrStale)

	now := time.Now().UTC()
	require.NoError(t, store.RecordScheduleExecution(ctx, sched.ID, now))
	require.NoError(t, store.RecordScheduleExecution(ctx, sched.ID, now))

	// Max executions reached: schedule disabled itself.
	done, err := store.FindScheduleByID(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, done.ExecutionCount)
	assert.False(t, done.Enabled)

	ready, err = store.FindSchedulesReadyToRun(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestDeliveryResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task := createTask(t, store, "delivered")

	job := domain.NewJob(task.ID, nil, domain.PriorityNormal)
	require.NoError(t, store.CreateJob(ctx, job))
	exec := domain.NewExecution(task.ID, nil)
	exec.JobID = &job.ID
	require.NoError(t, store.CreateExecution(ctx, exec))

	info := `203 bytes written`
	require.NoError(t, store.RecordDelivery(ctx, &domain.DeliveryResult{
		JobID:           job.ID,
		ExecutionID:     exec.ID,
		DestinationType: "filesystem",
		DestinationID:   "/tmp/out.json",
		Success:         true,
		DeliveryTimeMS:  12,
		SizeBytes:       203,
		ResponseInfo:    &info,
	}))
	errMsg := "connection refused"
	require.NoError(t, store.RecordDelivery(ctx, &domain.DeliveryResult{
		JobID:           job.ID,
		ExecutionID:     exec.ID,
		DestinationType: "webhook",
		DestinationID:   "https://example.com/hook",
		Success:         false,
		ErrorMessage:    &errMsg,
	}))

	results, err := store.FindDeliveriesByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	require.NotNil(t, results[1].ErrorMessage)
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ok, err := store.TryAcquireLease(ctx, "scheduler", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another holder cannot take an active lease.
	ok, err = store.TryAcquireLease(ctx, "scheduler", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The owner renews.
	ok, err = store.TryAcquireLease(ctx, "scheduler", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "scheduler", "node-a"))

	// Expired leases are stolen.
	ok, err = store.TryAcquireLease(ctx, "scheduler", "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.TryAcquireLease(ctx, "scheduler", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
