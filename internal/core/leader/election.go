// Package leader implements leader election: an exclusive lease gating the
// queue processor, orphan monitor, and retention cleanup so exactly one
// master runs each singleton service across replicas.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

// Backend is the narrow lease contract every election strategy implements:
// a non-blocking try-acquire and a release. Lease-based (as opposed to
// session-based) backends refresh a held lease inside TryAcquire.
type Backend interface {
	// TryAcquire attempts to become leader for name. Safe to call
	// repeatedly; it is a no-op success if this process already holds it.
	TryAcquire(ctx context.Context, name string) (bool, error)
	// Release gives up leadership of name, if held.
	Release(ctx context.Context, name string) error
}

// Config controls the lease poll cadence.
type Config struct {
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// Election runs the poll/start-fn/stop-fn loop for a single named
// singleton service.
type Election struct {
	cfg      Config
	backend  Backend
	name     string
	startFn  func(ctx context.Context) error
	stopFn   func()
	eventBus events.EventBus
	logger   logger.Logger

	mu      sync.Mutex
	leading bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Election for service `name`. startFn is invoked on
// newly-acquired leadership, stopFn on newly-lost leadership or shutdown
// while leading. Both must return promptly; startFn typically just spawns
// a background goroutine (e.g. Processor.Start/Monitor.Start) and returns
// nil, and stopFn blocks until that goroutine's current iteration
// finishes. A non-nil startFn error leaves the leader flag unset so the
// next poll retries.
func New(cfg Config, backend Backend, name string, startFn func(ctx context.Context) error, stopFn func(), bus events.EventBus, log logger.Logger) *Election {
	if bus == nil {
		bus = events.NewNoopEventBus()
	}
	return &Election{
		cfg:      cfg.withDefaults(),
		backend:  backend,
		name:     name,
		startFn:  startFn,
		stopFn:   stopFn,
		eventBus: bus,
		logger:   log,
	}
}

// Run starts the poll loop in the background.
func (e *Election) Run(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop halts the poll loop; if this process is currently leading, stopFn
// runs and the lease is released before Stop returns.
func (e *Election) Stop(ctx context.Context) {
	if e.stopCh != nil {
		close(e.stopCh)
		e.wg.Wait()
	}

	e.mu.Lock()
	leading := e.leading
	e.leading = false
	e.mu.Unlock()

	if leading {
		e.stopFn()
		if err := e.backend.Release(ctx, e.name); err != nil {
			e.logger.Warn("failed to release leader lease on shutdown", "service", e.name, "error", err)
		}
	}
}

// IsLeading reports whether this process currently holds the lease.
func (e *Election) IsLeading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

func (e *Election) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

func (e *Election) poll(ctx context.Context) {
	acquired, err := e.backend.TryAcquire(ctx, e.name)
	if err != nil {
		e.logger.Warn("leader lease try-acquire failed", "service", e.name, "error", err)
		acquired = false
	}

	e.mu.Lock()
	wasLeading := e.leading
	e.mu.Unlock()

	switch {
	case acquired && !wasLeading:
		e.becomeLeader(ctx)
	case !acquired && wasLeading:
		e.loseLeadership()
	}
}

func (e *Election) becomeLeader(ctx context.Context) {
	if err := e.startFn(ctx); err != nil {
		e.logger.Error("leader start-fn failed, leadership not acquired", "service", e.name, "error", err)
		return
	}

	e.mu.Lock()
	e.leading = true
	e.mu.Unlock()

	e.logger.Info("acquired leader lease", "service", e.name)
	e.publish(ctx, events.LeaderAcquired)
}

func (e *Election) loseLeadership() {
	e.mu.Lock()
	e.leading = false
	e.mu.Unlock()

	e.stopFn()
	e.logger.Warn("lost leader lease", "service", e.name)
	e.publish(context.Background(), events.LeaderLost)
}

func (e *Election) publish(ctx context.Context, eventType string) {
	evt := events.NewEventBuilder(eventType).WithAggregateID(e.name).WithAggregateType("leader_lease").Build()
	if err := e.eventBus.Publish(ctx, evt); err != nil {
		e.logger.Warn("failed to publish leader event", "event", eventType, "service", e.name, "error", err)
	}
}
