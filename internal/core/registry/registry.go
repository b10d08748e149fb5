package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

const defaultMaxBuilds = 2

// Registry is the in-memory agent map. In-memory state is the source of
// truth for dispatch decisions; persistence failures are logged and
// swallowed, and the registry keeps serving from memory.
type Registry struct {
	mu               sync.RWMutex
	agents           map[string]*Agent
	store            Store  // optional
	cache            *Cache // optional
	eventBus         events.EventBus
	logger           logger.Logger
	heartbeatTimeout time.Duration
}

func New(store Store, cache *Cache, bus events.EventBus, log logger.Logger, heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	if bus == nil {
		bus = events.NewNoopEventBus()
	}
	return &Registry{
		agents:           make(map[string]*Agent),
		store:            store,
		cache:            cache,
		eventBus:         bus,
		logger:           log,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Rehydrate loads agent state from the durable store on master restart.
func (r *Registry) Rehydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	agents, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate agent registry: %w", err)
	}
	r.mu.Lock()
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	r.mu.Unlock()
	r.logger.Info("agent registry rehydrated", "count", len(agents))
	return nil
}

// Register generates a new agent id, never reuses one, and inserts the
// record online with zero current builds.
func (r *Registry) Register(ctx context.Context, name, endpoint string, labels []string, maxBuilds int, sysInfo *SystemInfo, orgID *string) (*Agent, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("register: endpoint is required")
	}
	if maxBuilds <= 0 {
		maxBuilds = defaultMaxBuilds
	}
	info := SystemInfo{}
	if sysInfo != nil {
		info = *sysInfo
	} else {
		info = detectSystemInfo()
	}

	now := time.Now()
	a := &Agent{
		ID:            uuid.New().String(),
		Name:          name,
		Endpoint:      endpoint,
		Labels:        append([]string(nil), labels...),
		MaxBuilds:     maxBuilds,
		CurrentBuilds: 0,
		Status:        StatusOnline,
		OrgID:         orgID,
		SystemInfo:    info,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	cp := a.clone()
	r.mu.Lock()
	r.agents[a.ID] = a
	r.mu.Unlock()

	r.persist(ctx, cp)
	r.publish(ctx, events.AgentRegistered, cp.ID)
	return cp, nil
}

// detectSystemInfo samples the host for a default capacity profile when an
// agent does not self-report system-info.
func detectSystemInfo() SystemInfo {
	info := SystemInfo{CPUCount: 1, MemoryGB: 1}
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		info.CPUCount = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.MemoryGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}
	return info
}

// Heartbeat updates last-heartbeat to now and returns the agent to online.
// Returns false if the agent does not exist.
func (r *Registry) Heartbeat(ctx context.Context, id string, currentBuilds *int, sysInfo *SystemInfo) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	a.LastHeartbeat = time.Now()
	a.Status = StatusOnline
	if currentBuilds != nil {
		a.CurrentBuilds = clamp(*currentBuilds, 0, a.MaxBuilds)
	}
	if sysInfo != nil {
		a.SystemInfo = *sysInfo
	}
	cp := a.clone()
	r.mu.Unlock()

	r.persist(ctx, cp)
	return true
}

// Deregister removes the agent from memory and the durable store.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error("failed to delete agent from store", "agent_id", id, "error", err)
		}
	}
	if r.cache != nil {
		if err := r.cache.Delete(ctx, id); err != nil {
			r.logger.Error("failed to delete agent from cache", "agent_id", id, "error", err)
		}
	}
	r.publish(ctx, events.AgentDeregistered, id)
	return nil
}

// SetDraining marks the agent as no longer eligible for new work; existing
// builds continue. Returns false if the agent does not exist.
func (r *Registry) SetDraining(ctx context.Context, id string) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	a.Status = StatusDraining
	cp := a.clone()
	r.mu.Unlock()

	r.persist(ctx, cp)
	r.publish(ctx, events.AgentDraining, id)
	return true
}

// FindAvailable returns a single best agent for the given labels, or nil.
func (r *Registry) FindAvailable(labels []string, opts FindOptions) *Agent {
	candidates := r.Candidates(labels, opts, 1)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// Candidates returns up to limit eligible agents ranked best-first by the
// same scoring FindAvailable uses. limit <= 0 means unbounded. The queue
// processor uses this to walk past a candidate whose circuit breaker denies
// the request instead of stopping at the single best eligible agent.
func (r *Registry) Candidates(labels []string, opts FindOptions, limit int) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	type scored struct {
		agent *Agent
		score float64
	}
	var candidates []scored

	for _, a := range r.agents {
		if a.Status != StatusOnline {
			continue
		}
		if a.CurrentBuilds >= a.MaxBuilds {
			continue
		}
		if now.Sub(a.LastHeartbeat) >= r.heartbeatTimeout {
			continue
		}
		if !hasAllLabels(a.Labels, labels) {
			continue
		}
		if a.OrgID != nil {
			if opts.OrgID == nil || *opts.OrgID != *a.OrgID {
				continue
			}
		}

		var score float64
		if opts.ResourceAware && opts.Resources != nil {
			if float64(a.SystemInfo.CPUCount) < opts.Resources.CPU || a.SystemInfo.MemoryGB < opts.Resources.MemoryGB {
				continue
			}
			load := float64(a.CurrentBuilds) / float64(a.MaxBuilds)
			score = 0.6*(1-load) + 0.2*math.Min(1, float64(a.SystemInfo.CPUCount)/16) + 0.2*math.Min(1, a.SystemInfo.MemoryGB/32)
		} else {
			// Ranked by current-builds ascending; encode as a descending score
			// so the same "highest first" selection below works for both modes.
			score = -float64(a.CurrentBuilds)
		}
		if opts.ScoreAdjust != nil {
			score = opts.ScoreAdjust(score, a.Region)
		}

		candidates = append(candidates, scored{agent: a, score: score})
	}

	if len(candidates) == 0 {
		return nil
	}

	// Tie-break order between equal scores is unspecified: the sort is
	// stable but map iteration already randomized candidate order above, so
	// ties resolve arbitrarily and callers must not depend on it.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}
	out := make([]*Agent, len(candidates))
	for i, c := range candidates {
		out[i] = c.agent.clone()
	}
	return out
}

// IncrementBuilds bumps current-builds, clamped at max-builds.
func (r *Registry) IncrementBuilds(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		a.CurrentBuilds = clamp(a.CurrentBuilds+1, 0, a.MaxBuilds)
	}
}

// DecrementBuilds drops current-builds, clamped at 0. Idempotent across
// double-complete reports from an agent.
func (r *Registry) DecrementBuilds(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	next := a.CurrentBuilds - 1
	if next < 0 {
		r.logger.Warn("decrement-builds below zero, clamping", "agent_id", id)
	}
	a.CurrentBuilds = clamp(next, 0, a.MaxBuilds)
}

// CheckHealth transitions every agent whose heartbeat age exceeds the
// timeout and who isn't already offline to offline, and returns the count
// of newly-offline agents.
func (r *Registry) CheckHealth(ctx context.Context) int {
	now := time.Now()
	var newlyOffline []*Agent

	r.mu.Lock()
	for _, a := range r.agents {
		if a.Status != StatusOffline && now.Sub(a.LastHeartbeat) > r.heartbeatTimeout {
			a.Status = StatusOffline
			newlyOffline = append(newlyOffline, a.clone())
		}
	}
	r.mu.Unlock()

	for _, a := range newlyOffline {
		r.persist(ctx, a)
		r.publish(ctx, events.AgentOffline, a.ID)
	}
	return len(newlyOffline)
}

// List returns a snapshot of agents, optionally scoped to an org (shared
// agents with OrgID == nil are always included).
func (r *Registry) List(orgID *string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.OrgID != nil && (orgID == nil || *orgID != *a.OrgID) {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// ListAll returns a snapshot of every agent regardless of org, for
// internal cross-tenant components (the orphan monitor's health scan and
// breaker cleanup) that are not themselves tenant-scoped callers.
func (r *Registry) ListAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	return out
}

// Summarize returns aggregate counts, optionally org-scoped.
func (r *Registry) Summarize(orgID *string) Summary {
	var s Summary
	for _, a := range r.List(orgID) {
		s.Total++
		switch a.Status {
		case StatusOnline:
			s.Online++
		case StatusDraining:
			s.Draining++
		case StatusOffline:
			s.Offline++
		}
	}
	return s
}

// Get returns a single agent by id, or nil.
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	return a.clone()
}

func (r *Registry) persist(ctx context.Context, a *Agent) {
	if r.store != nil {
		if err := r.store.Save(ctx, a); err != nil {
			r.logger.Error("failed to persist agent", "agent_id", a.ID, "error", err)
		}
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, a); err != nil {
			r.logger.Error("failed to cache agent", "agent_id", a.ID, "error", err)
		}
	}
}

func (r *Registry) publish(ctx context.Context, eventType, agentID string) {
	evt := events.NewEventBuilder(eventType).WithAggregateID(agentID).WithAggregateType("agent").Build()
	if err := r.eventBus.Publish(ctx, evt); err != nil {
		r.logger.Warn("failed to publish agent event", "event", eventType, "agent_id", agentID, "error", err)
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
