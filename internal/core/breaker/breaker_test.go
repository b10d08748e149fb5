package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

func newTestRegistry() *Registry {
	return NewRegistry(events.NewNoopEventBus(), logger.NewNop())
}

func TestBreakerUnknownAgentDefaultsClosedPermit(t *testing.T) {
	r := newTestRegistry()
	assert.True(t, r.AllowRequest("unknown-agent", 3, time.Second))
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	r := newTestRegistry()
	const agent = "agent-a"

	for i := 0; i < 3; i++ {
		assert.True(t, r.AllowRequest(agent, 3, time.Second))
		r.RecordFailure(agent)
	}

	assert.False(t, r.AllowRequest(agent, 3, time.Second))
}

func TestBreakerHalfOpenAfterResetWindow(t *testing.T) {
	r := newTestRegistry()
	const agent = "agent-a"
	const resetWindow = 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		assert.True(t, r.AllowRequest(agent, 3, resetWindow))
		r.RecordFailure(agent)
	}
	assert.False(t, r.AllowRequest(agent, 3, resetWindow))

	time.Sleep(resetWindow + 10*time.Millisecond)

	// Exactly one probe admitted in half-open.
	admitted := 0
	for i := 0; i < 5; i++ {
		if r.AllowRequest(agent, 3, resetWindow) {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)

	r.RecordSuccess(agent)
	assert.True(t, r.AllowRequest(agent, 3, resetWindow))
	state, ok := r.State(agent)
	assert.True(t, ok)
	assert.Equal(t, "closed", state)
}

func TestBreakerCleanupRemovesVanishedAgents(t *testing.T) {
	r := newTestRegistry()
	r.AllowRequest("agent-a", 3, time.Second)
	r.AllowRequest("agent-b", 3, time.Second)

	r.Cleanup(map[string]struct{}{"agent-a": {}})

	_, ok := r.State("agent-b")
	assert.False(t, ok)
	_, ok = r.State("agent-a")
	assert.True(t, ok)
}
