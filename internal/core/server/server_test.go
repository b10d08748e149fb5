package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/buildmaster/core/internal/core/bearer"
	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/dispatch"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	reg := registry.New(nil, nil, events.NewNoopEventBus(), logger.NewNop(), 90*time.Second)
	q := queue.NewStore(db, events.NewNoopEventBus(), nil, logger.NewNop())
	require.NoError(t, q.Migrate())
	brk := breaker.NewRegistry(events.NewNoopEventBus(), logger.NewNop())
	decider := dispatch.New(dispatch.Config{DistributedEnabled: false}, reg, q, nil, nil, logger.NewNop())

	return New(cfg, reg, q, brk, decider, logger.NewNop())
}

func TestRegisterAndListAgents(t *testing.T) {
	s := newTestServer(t, Config{})

	body, _ := json.Marshal(registerRequest{Endpoint: "http://agent-1", MaxBuilds: 2})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	listRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)

	var agents []*registry.Agent
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &agents))
	assert.Len(t, agents, 1)
	assert.Equal(t, "http://agent-1", agents[0].Endpoint)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsMintedToken(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "secret"})

	token, err := bearer.Mint("secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "secret"})

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.httpServer.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestCompleteBuildMarksItemAndDecrementsAgent(t *testing.T) {
	s := newTestServer(t, Config{})
	ctx := context.Background()

	agent, err := s.registry.Register(ctx, "", "http://agent-1", nil, 2, nil, nil)
	require.NoError(t, err)
	s.registry.IncrementBuilds(agent.ID)

	item, err := s.queue.Enqueue(ctx, "build-1", "job-1", []byte(`{}`), nil, 3)
	require.NoError(t, err)
	claimed, err := s.queue.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.queue.MarkDispatched(ctx, claimed.ID, agent.ID))

	body, _ := json.Marshal(completeRequest{AgentID: agent.ID})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds/build-1/complete", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	after, err := s.queue.ByBuildID(ctx, item.BuildID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, after.Status)
	assert.Equal(t, 0, s.registry.Get(agent.ID).CurrentBuilds)
}

func TestQueueDepthEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})

	_, err := s.queue.Enqueue(context.Background(), "build-1", "job-1", []byte(`{}`), nil, 3)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/depth", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got["depth_pending"])
}
