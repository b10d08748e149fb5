// Package transport implements the per-agent HTTP client table: one
// keep-alive-aware client per agent, tracking last-success and
// consecutive-failures for transport-health purposes, distinct from the
// dispatch-outcome circuit breaker.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a keep-alive client with its health counters and a rate
// limiter bounding the request rate to that agent.
type entry struct {
	mu                 sync.Mutex
	client             *http.Client
	endpoint           string
	limiter            *rate.Limiter
	lastSuccess        time.Time
	consecutiveFailure int
}

// Stats is a point-in-time snapshot of one agent's transport health.
type Stats struct {
	AgentID            string
	Endpoint           string
	LastSuccess        time.Time
	ConsecutiveFailure int
}

// Config controls pool-wide defaults.
type Config struct {
	Timeout                time.Duration
	MaxIdleConnsPerHost    int
	IdleConnTimeout        time.Duration
	RequestsPerSecond      float64
	Burst                  int
	MaxConsecutiveFailures int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 4
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	return c
}

// Pool is the table of per-agent HTTP clients.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     Config
}

func NewPool(cfg Config) *Pool {
	return &Pool{
		entries: make(map[string]*entry),
		cfg:     cfg.withDefaults(),
	}
}

func (p *Pool) getOrCreate(id, endpoint string) *entry {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if ok {
		return e
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
	}
	e = &entry{
		client:   &http.Client{Transport: transport, Timeout: p.cfg.Timeout},
		endpoint: endpoint,
		limiter:  rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst),
	}
	p.entries[id] = e
	return e
}

// Post sends body to endpoint+path with a bounded deadline, recording
// transport-health outcome (network error, 5xx, and 4xx are all counted as
// failures for transport-health purposes; this is independent of whether
// the caller's circuit breaker counts the same outcome as a dispatch
// failure).
func (p *Pool) Post(ctx context.Context, id, endpoint, path string, body []byte, headers map[string]string) (int, []byte, error) {
	e := p.getOrCreate(id, endpoint)
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit wait for agent %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request to agent %s: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		p.recordFailure(e)
		return 0, nil, fmt.Errorf("post to agent %s: %w", id, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure(e)
		return resp.StatusCode, nil, fmt.Errorf("read response from agent %s: %w", id, err)
	}

	if resp.StatusCode >= 400 {
		p.recordFailure(e)
		return resp.StatusCode, respBody, nil
	}

	p.recordSuccess(e)
	return resp.StatusCode, respBody, nil
}

// Get performs a GET against the agent, same health bookkeeping as Post.
func (p *Pool) Get(ctx context.Context, id, endpoint, path string, headers map[string]string) (int, []byte, error) {
	e := p.getOrCreate(id, endpoint)
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit wait for agent %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request to agent %s: %w", id, err)
	}
	req.Header.Set("Connection", "keep-alive")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		p.recordFailure(e)
		return 0, nil, fmt.Errorf("get from agent %s: %w", id, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure(e)
		return resp.StatusCode, nil, fmt.Errorf("read response from agent %s: %w", id, err)
	}
	if resp.StatusCode >= 400 {
		p.recordFailure(e)
		return resp.StatusCode, respBody, nil
	}
	p.recordSuccess(e)
	return resp.StatusCode, respBody, nil
}

func (p *Pool) recordSuccess(e *entry) {
	e.mu.Lock()
	e.lastSuccess = time.Now()
	e.consecutiveFailure = 0
	e.mu.Unlock()
}

func (p *Pool) recordFailure(e *entry) {
	e.mu.Lock()
	e.consecutiveFailure++
	e.mu.Unlock()
}

// ClosePool drops the client for a single agent, e.g. on deregistration.
func (p *Pool) ClosePool(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.client.CloseIdleConnections()
		delete(p.entries, id)
	}
}

// CloseAll drops every client in the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		e.client.CloseIdleConnections()
		delete(p.entries, id)
	}
}

// Healthy reports whether an agent's transport entry is below the failure
// ceiling. Unknown agents are healthy; they have no failure history.
func (p *Pool) Healthy(id string) bool {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailure < p.cfg.MaxConsecutiveFailures
}

// Stats returns a snapshot for every agent currently tracked.
func (p *Pool) Stats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Stats, 0, len(p.entries))
	for id, e := range p.entries {
		e.mu.Lock()
		out = append(out, Stats{
			AgentID:            id,
			Endpoint:           e.endpoint,
			LastSuccess:        e.lastSuccess,
			ConsecutiveFailure: e.consecutiveFailure,
		})
		e.mu.Unlock()
	}
	return out
}
