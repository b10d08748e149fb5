package orphan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

func newTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	s := queue.NewStore(db, events.NewNoopEventBus(), nil, logger.NewNop())
	require.NoError(t, s.Migrate())
	return s
}

func TestOrphanMonitorRecoversBuildsFromOfflineAgent(t *testing.T) {
	ctx := context.Background()
	const heartbeatTimeout = 20 * time.Millisecond
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), heartbeatTimeout)
	q := newTestQueue(t)
	brk := breaker.NewRegistry(events.NewNoopEventBus(), logger.NewNop())

	agent, err := reg.Register(ctx, "", "http://agent-1", nil, 2, nil, nil)
	require.NoError(t, err)

	item1, err := q.Enqueue(ctx, "build-1", "job-1", []byte(`{}`), nil, 3)
	require.NoError(t, err)
	item2, err := q.Enqueue(ctx, "build-2", "job-2", []byte(`{}`), nil, 3)
	require.NoError(t, err)
	require.NoError(t, q.MarkDispatched(ctx, item1.ID, agent.ID))
	require.NoError(t, q.MarkDispatched(ctx, item2.ID, agent.ID))

	// Let the agent's heartbeat age past the timeout window.
	time.Sleep(heartbeatTimeout * 3)

	m := New(Config{Interval: time.Hour}, reg, q, brk, logger.NewNop())
	m.scan(ctx)

	assert.Equal(t, registry.StatusOffline, reg.Get(agent.ID).Status)

	got1, err := q.ByBuildID(ctx, "build-1")
	require.NoError(t, err)
	got2, err := q.ByBuildID(ctx, "build-2")
	require.NoError(t, err)
	assert.NotEqual(t, queue.StatusDispatched, got1.Status)
	assert.NotEqual(t, queue.StatusDispatched, got2.Status)
}

func TestOrphanMonitorPrunesBreakerForVanishedAgents(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 90*time.Second)
	q := newTestQueue(t)
	brk := breaker.NewRegistry(events.NewNoopEventBus(), logger.NewNop())

	brk.AllowRequest("ghost-agent", 3, time.Second)

	m := New(Config{Interval: time.Hour}, reg, q, brk, logger.NewNop())
	m.scan(ctx)

	_, ok := brk.State("ghost-agent")
	assert.False(t, ok)
}
