package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	s := NewStore(db, events.NewNoopEventBus(), nil, logger.NewNop())
	require.NoError(t, s.Migrate())
	return s
}

func TestQueueAtomicClaimUnderContention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item, err := s.Enqueue(ctx, "build-1", "job-1", []byte(`{}`), nil, 3)
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	claimed := make([]*Item, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			got, err := s.DequeueNext(ctx)
			assert.NoError(t, err)
			claimed[idx] = got
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, c := range claimed {
		if c != nil {
			winners++
			assert.Equal(t, item.ID, c.ID)
			assert.Equal(t, StatusDispatching, c.Status)
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker must claim the single pending item")

	// The item is no longer dequeuable.
	again, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestQueueExhaustedRetriesGoToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item, err := s.Enqueue(ctx, "build-2", "job-2", []byte(`{}`), nil, 2)
	require.NoError(t, err)

	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	outcome, err := s.MarkFailed(ctx, claimed.ID, "agent unreachable", 10)
	require.NoError(t, err)
	assert.Equal(t, FailOutcomeRetried, outcome)

	after, err := s.ByBuildID(ctx, item.BuildID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after.Status)
	assert.Equal(t, 1, after.RetryCount)
	require.NotNil(t, after.NextRetryAt)

	reclaimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	// next-retry-at is in the future, so the item is not yet eligible.
	assert.Nil(t, reclaimed)

	// Force eligibility by clearing next-retry-at directly, as if the
	// backoff window had already elapsed.
	require.NoError(t, s.db.Model(&itemRow{}).Where("id = ?", claimed.ID).Update("next_retry_at", nil).Error)

	reclaimed, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)

	outcome, err = s.MarkFailed(ctx, reclaimed.ID, "agent unreachable again", 10)
	require.NoError(t, err)
	assert.Equal(t, FailOutcomeRetried, outcome)

	second, err := s.ByBuildID(ctx, item.BuildID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, second.Status)
	assert.Equal(t, 2, second.RetryCount)

	// Third dispatch attempt: max-retries=2 permits attempts 1, 2 and 3,
	// so only this failure dead-letters the item.
	require.NoError(t, s.db.Model(&itemRow{}).Where("id = ?", claimed.ID).Update("next_retry_at", nil).Error)

	reclaimed, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)

	outcome, err = s.MarkFailed(ctx, reclaimed.ID, "agent unreachable a third time", 10)
	require.NoError(t, err)
	assert.Equal(t, FailOutcomeDeadLetter, outcome)

	final, err := s.ByBuildID(ctx, item.BuildID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, final.Status)
	assert.Equal(t, 3, final.RetryCount)

	dead, err := s.DeadLetter(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, item.BuildID, dead[0].BuildID)
}

func TestQueueRequeueForAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item, err := s.Enqueue(ctx, "build-3", "job-3", []byte(`{}`), nil, 3)
	require.NoError(t, err)

	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatched(ctx, claimed.ID, "agent-down"))

	count, err := s.RequeueForAgent(ctx, "agent-down")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	after, err := s.ByBuildID(ctx, item.BuildID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after.Status)
	assert.Nil(t, after.AgentID)
}

func TestQueueSweepStaleDispatchingOnStartup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Enqueue(ctx, "build-4", "job-4", []byte(`{}`), nil, 3)
	require.NoError(t, err)
	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	swept, err := s.SweepStaleDispatching(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	after, err := s.ByBuildID(ctx, "build-4")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after.Status)
}

func TestQueueDepthAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Enqueue(ctx, "build-5", "job-5", []byte(`{}`), nil, 3)
	require.NoError(t, err)

	depth, err := s.DepthPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	item, err := s.ByBuildID(ctx, "build-5")
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, item.ID))

	removed, err := s.CleanupCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	gone, err := s.ByBuildID(ctx, "build-5")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
