// Package dispatch routes each build between local execution, the durable
// queue, and a direct synchronous hand-off to an agent.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/buildmaster/core/internal/core/bearer"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/internal/core/scorer"
	"github.com/buildmaster/core/internal/core/tracing"
	"github.com/buildmaster/core/pkg/logger"
)

// Mode reports which of the three dispatch paths a build took.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeQueued Mode = "queued"
	ModeRemote Mode = "remote"
	ModeFailed Mode = "failed"
)

// Build is a routing request carrying the org scope and label requirements
// for agent selection.
type Build struct {
	BuildID   string
	JobID     string
	OrgID     *string
	Labels    []string
	Payload   []byte
	Resources *registry.Resources
}

// Result is the decision function's return value.
type Result struct {
	Mode           Mode
	QueueID        string
	AgentID        string
	FallbackReason string
	Error          error
}

// TransportPool is the narrow contract this decision needs from the
// per-agent transport pool.
type TransportPool interface {
	Post(ctx context.Context, agentID, endpoint, path string, body []byte, headers map[string]string) (status int, respBody []byte, err error)
}

// Config controls the decision's three-way branch and fallback policy.
type Config struct {
	DistributedEnabled      bool
	QueueEnabled            bool
	QueueConfigured         bool
	FallbackLocal           bool
	MaxRetries              int
	AuthToken               string
	DispatchTimeout         time.Duration
	ResourceAwareScheduling bool
	// Scorer applies the region/locality bonus on top of the registry's
	// base score; nil disables locality scoring.
	Scorer *scorer.Scorer
}

// Decider implements dispatch(build) -> {mode, ids}.
type Decider struct {
	cfg       Config
	registry  *registry.Registry
	queue     *queue.Store
	transport TransportPool
	tracer    *tracing.Tracer
	logger    logger.Logger
}

func New(cfg Config, reg *registry.Registry, q *queue.Store, transport TransportPool, tracer *tracing.Tracer, log logger.Logger) *Decider {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if tracer == nil {
		tracer, _ = tracing.New(tracing.Config{}, log)
	}
	return &Decider{cfg: cfg, registry: reg, queue: q, transport: transport, tracer: tracer, logger: log}
}

// Dispatch decides where a build runs: locally when distributed execution
// is off, through the durable queue when queue mode is on, otherwise by a
// direct POST to an available agent.
func (d *Decider) Dispatch(ctx context.Context, build Build) Result {
	if !d.cfg.DistributedEnabled {
		return Result{Mode: ModeLocal}
	}

	if d.cfg.QueueEnabled && d.cfg.QueueConfigured {
		item, err := d.queue.Enqueue(ctx, build.BuildID, build.JobID, build.Payload, build.Labels, d.cfg.MaxRetries)
		if err != nil {
			return Result{Mode: ModeFailed, Error: fmt.Errorf("enqueue build %s: %w", build.BuildID, err)}
		}
		return Result{Mode: ModeQueued, QueueID: item.ID}
	}

	return d.dispatchDirect(ctx, build)
}

// dispatchDirect is the non-queued synchronous path: find an agent, POST
// directly, and apply the fallback policy on any failure.
func (d *Decider) dispatchDirect(ctx context.Context, build Build) Result {
	ctx, span := d.tracer.StartSpan(ctx, "dispatch.direct", attribute.String("build_id", build.BuildID))
	defer span.End()

	opts := registry.FindOptions{
		OrgID:         build.OrgID,
		Resources:     build.Resources,
		ResourceAware: d.cfg.ResourceAwareScheduling,
	}
	if d.cfg.Scorer != nil {
		opts.ScoreAdjust = d.cfg.Scorer.Apply
	}
	agent := d.registry.FindAvailable(build.Labels, opts)
	if agent == nil {
		return d.fallback(fmt.Errorf("no available agent for build %s", build.BuildID))
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	headers := map[string]string{}
	if d.cfg.AuthToken != "" {
		token, err := bearer.Mint(d.cfg.AuthToken)
		if err != nil {
			return d.fallback(fmt.Errorf("mint bearer token for build %s: %w", build.BuildID, err))
		}
		headers["Authorization"] = "Bearer " + token
	}

	status, _, err := d.transport.Post(dispatchCtx, agent.ID, agent.Endpoint, "/builds", build.Payload, headers)
	if err != nil {
		return d.fallback(fmt.Errorf("dispatch build %s to agent %s: %w", build.BuildID, agent.ID, err))
	}
	if status >= http.StatusMultipleChoices {
		return d.fallback(fmt.Errorf("agent %s rejected build %s: status %d", agent.ID, build.BuildID, status))
	}

	d.registry.IncrementBuilds(agent.ID)
	return Result{Mode: ModeRemote, AgentID: agent.ID}
}

func (d *Decider) fallback(cause error) Result {
	d.logger.Warn("direct dispatch failed", "error", cause)
	if d.cfg.FallbackLocal {
		return Result{Mode: ModeLocal, FallbackReason: cause.Error()}
	}
	return Result{Mode: ModeFailed, Error: cause}
}
