// Package orphan implements the orphan monitor: a leader-gated periodic
// scan that marks stale agents offline, re-queues their stranded builds,
// and prunes circuit-breaker entries for agents that no longer exist.
package orphan

import (
	"context"
	"sync"
	"time"

	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/pkg/logger"
)

// Config controls the scan cadence.
type Config struct {
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 120 * time.Second
	}
	return c
}

// Monitor is the periodic recovery task, run only while its caller holds
// the leader lease.
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	queue    *queue.Store
	breaker  *breaker.Registry
	logger   logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, reg *registry.Registry, q *queue.Store, brk *breaker.Registry, log logger.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg.withDefaults(),
		registry: reg,
		queue:    q,
		breaker:  brk,
		logger:   log,
	}
}

// Start begins the ticker-driven scan loop. It is the leader-election
// "start-fn".
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop signals the loop to stop after its current scan finishes and blocks
// until it does. It is the leader-election "stop-fn".
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan runs one check-health -> requeue -> breaker-cleanup pass. The
// health check must complete before requeue runs so the requeue sees every
// newly-offline agent. A single scan never propagates an error upward;
// every step is best-effort and logged.
func (m *Monitor) scan(ctx context.Context) {
	newlyOffline := m.registry.CheckHealth(ctx)
	if newlyOffline > 0 {
		m.logger.Info("orphan monitor marked agents offline", "count", newlyOffline)
	}

	agents := m.registry.ListAll()
	requeued := 0
	for _, a := range agents {
		if a.Status != registry.StatusOffline {
			continue
		}
		n, err := m.queue.RequeueForAgent(ctx, a.ID)
		if err != nil {
			m.logger.Error("requeue-for-agent failed", "agent_id", a.ID, "error", err)
			continue
		}
		requeued += n
	}
	if requeued > 0 {
		m.logger.Info("orphan monitor requeued stranded builds", "count", requeued)
	}

	registered := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		registered[a.ID] = struct{}{}
	}
	m.breaker.Cleanup(registered)
}
