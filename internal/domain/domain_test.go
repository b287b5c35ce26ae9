package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusTransitions(t *testing.T) {
	assert.True(t, ExecutionPending.CanTransitionTo(ExecutionRunning))
	assert.True(t, ExecutionPending.CanTransitionTo(ExecutionCancelled))
	assert.False(t, ExecutionPending.CanTransitionTo(ExecutionCompleted))

	assert.True(t, ExecutionRunning.CanTransitionTo(ExecutionCompleted))
	assert.True(t, ExecutionRunning.CanTransitionTo(ExecutionFailed))
	assert.True(t, ExecutionRunning.CanTransitionTo(ExecutionCancelled))

	// Terminal states are sticky.
	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
		assert.True(t, s.IsTerminal())
		for _, next := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
			assert.False(t, s.CanTransitionTo(next), "%s -> %s must be rejected", s, next)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())

	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		assert.Equal(t, p, PriorityFromRank(p.Rank()))
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := NewJob(1, nil, "bogus")
	assert.Equal(t, PriorityNormal, j.Priority)
	assert.Equal(t, JobQueued, j.Status)
	assert.Equal(t, DefaultMaxRetries, j.MaxRetries)
	require.True(t, j.CanRetry())

	j.RetryCount = j.MaxRetries
	assert.False(t, j.CanRetry())
}

func TestPageBookkeeping(t *testing.T) {
	page := NewPage([]int{1, 2, 3}, Pagination{Limit: 3, Offset: 3}, 10)
	assert.Equal(t, 2, page.Page)
	assert.True(t, page.HasNext)
	assert.True(t, page.HasPrevious)

	last := NewPage([]int{1}, Pagination{Limit: 3, Offset: 9}, 10)
	assert.False(t, last.HasNext)
	assert.True(t, last.HasPrevious)

	first := NewPage([]int{1, 2}, Pagination{}, 2)
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, DefaultPageLimit, first.Limit)
	assert.False(t, first.HasNext)
	assert.False(t, first.HasPrevious)
}

func TestErrorKinds(t *testing.T) {
	err := NotFound("task", 42)
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))

	wrapped := Wrap(KindTimeout, err, "acquire_worker timeout after %s", "30s")
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindTimeout))

	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
