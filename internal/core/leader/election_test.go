package leader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

// scriptedBackend lets a test drive TryAcquire's return sequence directly,
// without a live Postgres/Redis/etcd.
type scriptedBackend struct {
	mu       sync.Mutex
	acquired bool
	fail     bool
	released bool
}

func (b *scriptedBackend) TryAcquire(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return false, fmt.Errorf("boom")
	}
	return b.acquired, nil
}

func (b *scriptedBackend) Release(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

func (b *scriptedBackend) set(acquired bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired = acquired
}

func TestElectionRunsStartFnOnAcquire(t *testing.T) {
	backend := &scriptedBackend{acquired: true}
	var started atomic.Bool

	e := New(Config{PollInterval: 10 * time.Millisecond}, backend, "processor", func(ctx context.Context) error {
		started.Store(true)
		return nil
	}, func() {}, events.NewNoopEventBus(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)
	defer e.Stop(context.Background())

	assert.Eventually(t, func() bool { return started.Load() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, e.IsLeading, time.Second, 5*time.Millisecond)
}

func TestElectionRunsStopFnOnLoss(t *testing.T) {
	backend := &scriptedBackend{acquired: true}
	var stopped atomic.Bool

	e := New(Config{PollInterval: 10 * time.Millisecond}, backend, "processor", func(ctx context.Context) error {
		return nil
	}, func() { stopped.Store(true) }, events.NewNoopEventBus(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)
	defer e.Stop(context.Background())

	assert.Eventually(t, e.IsLeading, time.Second, 5*time.Millisecond)

	backend.set(false)
	assert.Eventually(t, func() bool { return stopped.Load() }, time.Second, 5*time.Millisecond)
	assert.False(t, e.IsLeading())
}

func TestElectionStartFnFailureResetsLeaderFlag(t *testing.T) {
	backend := &scriptedBackend{acquired: true}
	attempts := 0

	e := New(Config{PollInterval: 10 * time.Millisecond}, backend, "processor", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("not ready yet")
		}
		return nil
	}, func() {}, events.NewNoopEventBus(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)
	defer e.Stop(context.Background())

	assert.Eventually(t, e.IsLeading, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestElectionStopWhileLeadingReleasesLease(t *testing.T) {
	backend := &scriptedBackend{acquired: true}
	var stopped atomic.Bool

	e := New(Config{PollInterval: 10 * time.Millisecond}, backend, "processor", func(ctx context.Context) error {
		return nil
	}, func() { stopped.Store(true) }, events.NewNoopEventBus(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	assert.Eventually(t, e.IsLeading, time.Second, 5*time.Millisecond)
	e.Stop(context.Background())
	assert.True(t, stopped.Load())
	assert.True(t, backend.released)
}

func TestTrivialBackendAlwaysGrants(t *testing.T) {
	b := NewTrivialBackend()
	ok, err := b.TryAcquire(context.Background(), "svc")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, b.Release(context.Background(), "svc"))
}
