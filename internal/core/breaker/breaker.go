// Package breaker implements the per-agent circuit breaker: closed / open /
// half-open, gating dispatch after repeated failures.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

// entry pairs a gobreaker two-step breaker with the pending "done" callback
// from its most recent Allow() call. The open -> half-open transition
// inside TwoStepCircuitBreaker is a single atomic compare-and-swap, so
// concurrent Allow() calls after the reset window race the same CAS and
// only one obtains the half-open probe slot.
type entry struct {
	breaker *gobreaker.TwoStepCircuitBreaker
	mu      sync.Mutex
	done    func(bool)
}

// Registry holds one breaker per agent id.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	eventBus events.EventBus
	logger   logger.Logger
}

func NewRegistry(bus events.EventBus, log logger.Logger) *Registry {
	if bus == nil {
		bus = events.NewNoopEventBus()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		eventBus: bus,
		logger:   log,
	}
}

func (r *Registry) getOrCreate(id string, threshold uint32, resetWindow time.Duration) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e
	}

	agentID := id
	settings := gobreaker.Settings{
		Name:    id,
		Timeout: resetWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(agentID, from, to)
		},
	}
	e := &entry{breaker: gobreaker.NewTwoStepCircuitBreaker(settings)}
	r.entries[id] = e
	return e
}

func (r *Registry) onStateChange(agentID string, from, to gobreaker.State) {
	var eventType string
	switch to {
	case gobreaker.StateOpen:
		eventType = events.BreakerOpened
	case gobreaker.StateHalfOpen:
		eventType = events.BreakerHalfOpen
	case gobreaker.StateClosed:
		eventType = events.BreakerClosed
	default:
		return
	}
	evt := events.NewEventBuilder(eventType).WithAggregateID(agentID).WithAggregateType("circuit_breaker").Build()
	if r.eventBus != nil {
		_ = r.eventBus.Publish(context.Background(), evt)
	}
}

// AllowRequest returns true in closed and half-open, false in open
// pre-window. Default behavior for an unknown agent is "closed, permit".
func (r *Registry) AllowRequest(id string, threshold int, resetWindow time.Duration) bool {
	e := r.getOrCreate(id, uint32(threshold), resetWindow)

	done, err := e.breaker.Allow()
	if err != nil {
		return false
	}

	e.mu.Lock()
	e.done = done
	e.mu.Unlock()
	return true
}

// RecordSuccess reports the outcome of the most recent admitted request as
// a success: half-open or closed -> closed with the failure counter reset.
func (r *Registry) RecordSuccess(id string) {
	r.complete(id, true)
}

// RecordFailure reports the outcome as a failure: closed -> open once
// consecutive-failures reaches threshold; half-open -> open immediately.
func (r *Registry) RecordFailure(id string) {
	r.complete(id, false)
}

func (r *Registry) complete(id string, success bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	done := e.done
	e.done = nil
	e.mu.Unlock()

	if done != nil {
		done(success)
		return
	}

	// No admitted request is outstanding for this agent (e.g. a failure is
	// being recorded without a prior allow-request? call, such as a direct
	// dispatch failure). Synthesize one: Allow a probe solely to obtain a
	// done callback and immediately report the outcome.
	if d, err := e.breaker.Allow(); err == nil {
		d(success)
	}
}

// Cleanup removes breaker entries for agents no longer in the registry.
func (r *Registry) Cleanup(registeredIDs map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		if _, ok := registeredIDs[id]; !ok {
			delete(r.entries, id)
		}
	}
}

// OpenCount reports how many breakers are currently open, for the metrics
// surface.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.breaker.State() == gobreaker.StateOpen {
			n++
		}
	}
	return n
}

// State reports the current breaker state for observability.
func (r *Registry) State(id string) (string, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	switch e.breaker.State() {
	case gobreaker.StateClosed:
		return "closed", true
	case gobreaker.StateOpen:
		return "open", true
	case gobreaker.StateHalfOpen:
		return "half-open", true
	default:
		return fmt.Sprintf("unknown(%d)", e.breaker.State()), true
	}
}
