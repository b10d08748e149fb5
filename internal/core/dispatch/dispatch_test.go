package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

type fakeTransport struct {
	status int
	err    error
	calls  int
}

func (f *fakeTransport) Post(ctx context.Context, agentID, endpoint, path string, body []byte, headers map[string]string) (int, []byte, error) {
	f.calls++
	return f.status, nil, f.err
}

func newTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	s := queue.NewStore(db, events.NewNoopEventBus(), nil, logger.NewNop())
	require.NoError(t, s.Migrate())
	return s
}

func TestDispatchLocalWhenDistributedDisabled(t *testing.T) {
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 0)
	d := New(Config{DistributedEnabled: false}, reg, newTestQueue(t), &fakeTransport{}, nil, logger.NewNop())

	result := d.Dispatch(context.Background(), Build{BuildID: "b1", JobID: "j1"})
	assert.Equal(t, ModeLocal, result.Mode)
}

func TestDispatchQueuedWhenQueueEnabled(t *testing.T) {
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 0)
	q := newTestQueue(t)
	d := New(Config{DistributedEnabled: true, QueueEnabled: true, QueueConfigured: true, MaxRetries: 3}, reg, q, &fakeTransport{}, nil, logger.NewNop())

	result := d.Dispatch(context.Background(), Build{BuildID: "b1", JobID: "j1", Payload: []byte(`{}`)})
	assert.Equal(t, ModeQueued, result.Mode)
	assert.NotEmpty(t, result.QueueID)
}

func TestDispatchDirectSuccess(t *testing.T) {
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 0)
	_, err := reg.Register(context.Background(), "", "http://agent-1", []string{"linux"}, 2, nil, nil)
	require.NoError(t, err)

	transport := &fakeTransport{status: 200}
	d := New(Config{DistributedEnabled: true}, reg, newTestQueue(t), transport, nil, logger.NewNop())

	result := d.Dispatch(context.Background(), Build{BuildID: "b1", JobID: "j1", Labels: []string{"linux"}})
	assert.Equal(t, ModeRemote, result.Mode)
	assert.Equal(t, 1, transport.calls)
}

func TestDispatchDirectFailureFallsBackLocal(t *testing.T) {
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 0)
	_, err := reg.Register(context.Background(), "", "http://agent-1", nil, 2, nil, nil)
	require.NoError(t, err)

	transport := &fakeTransport{status: 500}
	d := New(Config{DistributedEnabled: true, FallbackLocal: true}, reg, newTestQueue(t), transport, nil, logger.NewNop())

	result := d.Dispatch(context.Background(), Build{BuildID: "b1", JobID: "j1"})
	assert.Equal(t, ModeLocal, result.Mode)
	assert.NotEmpty(t, result.FallbackReason)
}

func TestDispatchDirectFailureNoFallbackReturnsFailed(t *testing.T) {
	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 0)
	transport := &fakeTransport{status: 500}
	d := New(Config{DistributedEnabled: true, FallbackLocal: false}, reg, newTestQueue(t), transport, nil, logger.NewNop())

	result := d.Dispatch(context.Background(), Build{BuildID: "b1", JobID: "j1"})
	assert.Equal(t, ModeFailed, result.Mode)
	assert.Error(t, result.Error)
}
