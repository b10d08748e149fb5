// Package server exposes the build-master core's admin API: agent
// registration/heartbeat/drain/list, queue introspection, and the dispatch
// entrypoint that receives build requests, plus /metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/buildmaster/core/internal/core/bearer"
	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/dispatch"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/pkg/logger"
)

// Config controls the admin API's transport and auth settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	AuthToken    string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	return c
}

// Server is the build-master's HTTP admin surface.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     logger.Logger
	registry   *registry.Registry
	queue      *queue.Store
	breaker    *breaker.Registry
	dispatcher *dispatch.Decider
}

func New(cfg Config, reg *registry.Registry, q *queue.Store, brk *breaker.Registry, dispatcher *dispatch.Decider, log logger.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:        cfg,
		logger:     log,
		registry:   reg,
		queue:      q,
		breaker:    brk,
		dispatcher: dispatcher,
	}

	router := s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(s.logger))

	router.GET("/health/live", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "healthy"}) })
	router.GET("/health/ready", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ready"}) })
	router.GET("/metrics", gin.WrapH(newMetricsHandler(s.queue, s.registry, s.breaker)))

	api := router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		agents := api.Group("/agents")
		{
			agents.POST("", s.registerAgent)
			agents.GET("", s.listAgents)
			agents.GET("/summary", s.agentSummary)
			agents.POST("/:id/heartbeat", s.heartbeatAgent)
			agents.POST("/:id/drain", s.drainAgent)
			agents.DELETE("/:id", s.deregisterAgent)
		}

		q := api.Group("/queue")
		{
			q.GET("/depth", s.queueDepth)
			q.GET("/dead-letter", s.queueDeadLetter)
			q.GET("/stream", s.queueStream)
		}

		api.POST("/dispatch", s.dispatchBuild)
		api.POST("/builds/:build_id/complete", s.completeBuild)
	}

	return router
}

// authMiddleware validates the bearer header when an auth token is
// configured; an empty AuthToken disables auth entirely for
// single-operator local deployments.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthToken == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		raw := header[len(prefix):]
		if err := bearer.Validate(raw, s.cfg.AuthToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type registerRequest struct {
	Name       string               `json:"name"`
	Endpoint   string               `json:"endpoint" binding:"required"`
	Labels     []string             `json:"labels"`
	MaxBuilds  int                  `json:"max_builds"`
	SystemInfo *registry.SystemInfo `json:"system_info"`
	OrgID      *string              `json:"org_id"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := s.registry.Register(c.Request.Context(), req.Name, req.Endpoint, req.Labels, req.MaxBuilds, req.SystemInfo, req.OrgID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

type heartbeatRequest struct {
	CurrentBuilds *int                 `json:"current_builds"`
	SystemInfo    *registry.SystemInfo `json:"system_info"`
}

func (s *Server) heartbeatAgent(c *gin.Context) {
	id := c.Param("id")
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	if !s.registry.Heartbeat(c.Request.Context(), id, req.CurrentBuilds, req.SystemInfo) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deregisterAgent(c *gin.Context) {
	if err := s.registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) drainAgent(c *gin.Context) {
	if !s.registry.SetDraining(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "draining"})
}

func (s *Server) listAgents(c *gin.Context) {
	var orgID *string
	if v := c.Query("org_id"); v != "" {
		orgID = &v
	}
	c.JSON(http.StatusOK, s.registry.List(orgID))
}

func (s *Server) agentSummary(c *gin.Context) {
	var orgID *string
	if v := c.Query("org_id"); v != "" {
		orgID = &v
	}
	c.JSON(http.StatusOK, s.registry.Summarize(orgID))
}

func (s *Server) queueDepth(c *gin.Context) {
	depth, err := s.queue.DepthPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ageMs, err := s.queue.OldestPendingAgeMs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth_pending": depth, "oldest_pending_age_ms": ageMs})
}

func (s *Server) queueDeadLetter(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items, err := s.queue.DeadLetter(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

type dispatchRequest struct {
	BuildID string          `json:"build_id" binding:"required"`
	JobID   string          `json:"job_id" binding:"required"`
	OrgID   *string         `json:"org_id"`
	Labels  []string        `json:"labels"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) dispatchBuild(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Build{
		BuildID: req.BuildID,
		JobID:   req.JobID,
		OrgID:   req.OrgID,
		Labels:  req.Labels,
		Payload: []byte(req.Payload),
	})
	if result.Mode == dispatch.ModeFailed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"mode": result.Mode, "error": result.Error.Error()})
		return
	}
	c.JSON(http.StatusAccepted, result)
}

type completeRequest struct {
	AgentID string `json:"agent_id"`
}

// completeBuild is how an agent reports a finished build: the queue item is
// marked completed by build id and the reporting agent's load counter drops.
func (s *Server) completeBuild(c *gin.Context) {
	buildID := c.Param("build_id")
	var req completeRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.queue.MarkCompletedByBuildID(c.Request.Context(), buildID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if req.AgentID != "" {
		s.registry.DecrementBuilds(req.AgentID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// queueStream pushes a queue-depth snapshot to the client every second until
// the connection closes, for operator dashboards that want push rather than
// poll.
func (s *Server) queueStream(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("queue stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := s.queue.DepthPending(ctx)
			if err != nil {
				continue
			}
			ageMs, err := s.queue.OldestPendingAgeMs(ctx)
			if err != nil {
				continue
			}
			payload, _ := json.Marshal(map[string]int64{"depth_pending": depth, "oldest_pending_age_ms": ageMs})
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting admin API", "port", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin API listen: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin API")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin API shutdown: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
