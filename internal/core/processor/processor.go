// Package processor implements the queue processor: a cooperative
// single-worker loop that claims queued builds, selects an agent whose
// circuit breaker still admits requests, dispatches over HTTP, and records
// the outcome.
package processor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/buildmaster/core/internal/core/bearer"
	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/internal/core/scorer"
	"github.com/buildmaster/core/internal/core/tracing"
	"github.com/buildmaster/core/pkg/logger"
)

// TransportPool is the narrow contract the processor needs from the
// per-agent transport pool.
type TransportPool interface {
	Post(ctx context.Context, agentID, endpoint, path string, body []byte, headers map[string]string) (status int, respBody []byte, err error)
}

// payloadEnvelope extracts the org scope and resource request a queue
// item's opaque payload carries. Unknown fields pass through untouched
// since this type is never re-marshalled back into the payload.
type payloadEnvelope struct {
	OrgID     *string             `json:"org_id"`
	Resources *registry.Resources `json:"resources"`
}

// Config governs the processor's agent-selection and backoff behavior.
type Config struct {
	CircuitBreakerThreshold int
	CircuitBreakerResetMs   int64
	BasePollMs              int64
	MaxIdlePollMs           int64
	BaseBackoffMs           int64
	MaxBackoffMs            int64
	DispatchTimeout         time.Duration
	FallbackLocal           bool
	AuthToken               string
	ResourceAwareScheduling bool
	// Scorer applies the region/locality bonus; nil disables it.
	Scorer *scorer.Scorer
}

func (c Config) withDefaults() Config {
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerResetMs <= 0 {
		c.CircuitBreakerResetMs = 60_000
	}
	if c.BasePollMs <= 0 {
		c.BasePollMs = 500
	}
	if c.MaxIdlePollMs <= 0 {
		c.MaxIdlePollMs = 5_000
	}
	if c.BaseBackoffMs <= 0 {
		c.BaseBackoffMs = 1_000
	}
	if c.MaxBackoffMs <= 0 {
		c.MaxBackoffMs = 30_000
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// candidateLimit bounds how many ranked agents the processor walks past a
// breaker-denied candidate before giving up on this tick.
const candidateLimit = 10

// Processor is the cooperative single-worker build dispatch loop, gated
// externally by leader election.
type Processor struct {
	cfg       Config
	queue     *queue.Store
	registry  *registry.Registry
	breaker   *breaker.Registry
	transport TransportPool
	tracer    *tracing.Tracer
	logger    logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, q *queue.Store, reg *registry.Registry, brk *breaker.Registry, transport TransportPool, tracer *tracing.Tracer, log logger.Logger) *Processor {
	if tracer == nil {
		tracer, _ = tracing.New(tracing.Config{}, log)
	}
	return &Processor{
		cfg:       cfg.withDefaults(),
		queue:     q,
		registry:  reg,
		breaker:   brk,
		transport: transport,
		tracer:    tracer,
		logger:    log,
	}
}

// Start begins the cooperative loop. It is the leader-election start-fn;
// callers invoke this only while holding the lease.
func (p *Processor) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx)
}

// Stop signals the loop to stop after its current iteration finishes and
// blocks until it does. It is the leader-election "stop-fn".
func (p *Processor) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.doneCh)

	consecutiveEmpty := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		processed := p.tick(ctx)
		if !processed {
			consecutiveEmpty++
			p.sleep(consecutiveEmpty)
			continue
		}
		consecutiveEmpty = 0
	}
}

// sleep waits the adaptive idle backoff, interruptible by a stop signal.
func (p *Processor) sleep(consecutiveEmpty int) {
	exp := consecutiveEmpty
	if exp > 4 {
		exp = 4
	}
	delay := time.Duration(p.cfg.BasePollMs*int64(math.Pow(2, float64(exp)))) * time.Millisecond
	maxDelay := time.Duration(p.cfg.MaxIdlePollMs) * time.Millisecond
	if delay > maxDelay {
		delay = maxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.stopCh:
	}
}

// tick performs one dequeue-select-dispatch-record cycle. Returns false if
// there was nothing pending to claim.
func (p *Processor) tick(ctx context.Context) bool {
	item, err := p.queue.DequeueNext(ctx)
	if err != nil {
		p.logger.Error("dequeue failed", "error", err)
		return false
	}
	if item == nil {
		return false
	}

	var env payloadEnvelope
	if err := json.Unmarshal(item.Payload, &env); err != nil {
		p.logger.Warn("queue item payload not decodable for org scoping", "queue_id", item.ID, "error", err)
	}

	agent := p.selectAgent(item.Labels, env.OrgID, env.Resources)
	if agent == nil {
		backoff := p.computeBackoff(item.RetryCount + 1)
		if p.cfg.FallbackLocal {
			// A local fallback is always available, so there is no need to
			// make this item wait out the full exponential window before
			// its next dispatch attempt.
			backoff = p.cfg.BasePollMs
		}
		if _, err := p.queue.MarkFailed(ctx, item.ID, "no available agent", backoff); err != nil {
			p.logger.Error("mark-failed (no capacity) failed", "queue_id", item.ID, "error", err)
		}
		return true
	}

	p.dispatch(ctx, item, agent)
	return true
}

// selectAgent asks the Registry for eligible candidates ranked best-first
// and returns the first one whose circuit breaker still admits requests.
func (p *Processor) selectAgent(labels []string, orgID *string, resources *registry.Resources) *registry.Agent {
	opts := registry.FindOptions{
		OrgID:         orgID,
		Resources:     resources,
		ResourceAware: p.cfg.ResourceAwareScheduling,
	}
	if p.cfg.Scorer != nil {
		opts.ScoreAdjust = p.cfg.Scorer.Apply
	}
	candidates := p.registry.Candidates(labels, opts, candidateLimit)
	resetWindow := time.Duration(p.cfg.CircuitBreakerResetMs) * time.Millisecond
	for _, a := range candidates {
		if p.breaker.AllowRequest(a.ID, p.cfg.CircuitBreakerThreshold, resetWindow) {
			return a
		}
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, item *queue.Item, agent *registry.Agent) {
	ctx, span := p.tracer.StartSpan(ctx, "processor.dispatch",
		attribute.String("queue_id", item.ID), attribute.String("agent_id", agent.ID))
	defer span.End()

	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	headers := map[string]string{}
	if p.cfg.AuthToken != "" {
		token, mintErr := bearer.Mint(p.cfg.AuthToken)
		if mintErr != nil {
			p.breaker.RecordFailure(agent.ID)
			backoff := p.computeBackoff(item.RetryCount + 1)
			if _, markErr := p.queue.MarkFailed(ctx, item.ID, mintErr.Error(), backoff); markErr != nil {
				p.logger.Error("mark-failed failed", "queue_id", item.ID, "error", markErr)
			}
			return
		}
		headers["Authorization"] = "Bearer " + token
	}

	status, _, err := p.transport.Post(dispatchCtx, agent.ID, agent.Endpoint, "/builds", item.Payload, headers)
	if err != nil || status >= http.StatusMultipleChoices {
		p.breaker.RecordFailure(agent.ID)
		backoff := p.computeBackoff(item.RetryCount + 1)
		reason := errString(err, status)
		if _, markErr := p.queue.MarkFailed(ctx, item.ID, reason, backoff); markErr != nil {
			p.logger.Error("mark-failed failed", "queue_id", item.ID, "error", markErr)
		}
		return
	}

	p.breaker.RecordSuccess(agent.ID)
	p.registry.IncrementBuilds(agent.ID)
	if err := p.queue.MarkDispatched(ctx, item.ID, agent.ID); err != nil {
		p.logger.Error("mark-dispatched failed", "queue_id", item.ID, "agent_id", agent.ID, "error", err)
	}
}

// computeBackoff returns base*2^(attempt-1) capped at max.
func (p *Processor) computeBackoff(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseBackoffMs) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxBackoffMs) {
		delay = float64(p.cfg.MaxBackoffMs)
	}
	return int64(delay)
}

func errString(err error, status int) string {
	if err != nil {
		return err.Error()
	}
	return http.StatusText(status)
}
