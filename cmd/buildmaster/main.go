package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/dispatch"
	"github.com/buildmaster/core/internal/core/leader"
	"github.com/buildmaster/core/internal/core/orphan"
	"github.com/buildmaster/core/internal/core/processor"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
	"github.com/buildmaster/core/internal/core/scorer"
	"github.com/buildmaster/core/internal/core/server"
	"github.com/buildmaster/core/internal/core/tracing"
	"github.com/buildmaster/core/internal/core/transport"
	"github.com/buildmaster/core/pkg/config"
	"github.com/buildmaster/core/pkg/database"
	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

func main() {
	cfg, err := config.Load("buildmaster")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	eventBus, err := newEventBus(cfg)
	if err != nil {
		log.Fatal("failed to create event bus", "error", err)
	}

	tracer, err := tracing.New(tracing.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		JaegerURL:    cfg.Telemetry.JaegerURL,
		SamplingRate: cfg.Telemetry.SamplingRate,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize tracer", "error", err)
	}

	agentStore := registry.NewGormStore(db.DB)
	if err := agentStore.Migrate(); err != nil {
		log.Fatal("failed to migrate agents table", "error", err)
	}
	var agentCache *registry.Cache
	if redisClient != nil {
		agentCache = registry.NewCache(redisClient, time.Duration(cfg.Distributed.HeartbeatTimeoutMs)*time.Millisecond)
	}

	reg := registry.New(agentStore, agentCache, eventBus, log, time.Duration(cfg.Distributed.HeartbeatTimeoutMs)*time.Millisecond)
	if err := reg.Rehydrate(context.Background()); err != nil {
		log.Error("failed to rehydrate agent registry", "error", err)
	}

	queueStore := queue.NewStore(db.DB, eventBus, tracer, log)
	if err := queueStore.Migrate(); err != nil {
		log.Fatal("failed to migrate build queue table", "error", err)
	}
	if n, err := queueStore.SweepStaleDispatching(context.Background()); err != nil {
		log.Error("failed to sweep stale dispatching rows", "error", err)
	} else if n > 0 {
		log.Info("reset stale dispatching rows to pending on startup", "count", n)
	}

	breakerRegistry := breaker.NewRegistry(eventBus, log)

	transportPool := transport.NewPool(transport.Config{
		Timeout: time.Duration(cfg.Dispatch.DispatchTimeoutMs) * time.Millisecond,
	})

	var localityScorer *scorer.Scorer
	if cfg.Distributed.MasterRegion != "" {
		localityScorer = scorer.New(cfg.Distributed.MasterRegion, cfg.Distributed.RegionBonus)
	}

	decider := dispatch.New(dispatch.Config{
		DistributedEnabled: cfg.Distributed.Enabled,
		QueueEnabled:       cfg.Dispatch.QueueEnabled,
		// queueStore is always constructed and migrated above regardless of
		// queue_enabled, so persistence is always configured in this binary.
		QueueConfigured:         true,
		FallbackLocal:           cfg.Dispatch.FallbackLocal,
		MaxRetries:              cfg.Dispatch.MaxRetries,
		AuthToken:               cfg.Distributed.AuthToken,
		DispatchTimeout:         time.Duration(cfg.Dispatch.DispatchTimeoutMs) * time.Millisecond,
		ResourceAwareScheduling: cfg.FeatureFlags.ResourceAwareScheduling,
		Scorer:                  localityScorer,
	}, reg, queueStore, transportPool, tracer, log)

	queueProcessor := processor.New(processor.Config{
		CircuitBreakerThreshold: cfg.Dispatch.CircuitBreakerThreshold,
		CircuitBreakerResetMs:   cfg.Dispatch.CircuitBreakerResetMs,
		BasePollMs:              cfg.Dispatch.PollIntervalMs,
		MaxIdlePollMs:           cfg.Dispatch.MaxIdlePollMs,
		BaseBackoffMs:           cfg.Dispatch.RetryBackoffMs,
		MaxBackoffMs:            cfg.Dispatch.MaxRetryBackoffMs,
		DispatchTimeout:         time.Duration(cfg.Dispatch.DispatchTimeoutMs) * time.Millisecond,
		FallbackLocal:           cfg.Dispatch.FallbackLocal,
		AuthToken:               cfg.Distributed.AuthToken,
		ResourceAwareScheduling: cfg.FeatureFlags.ResourceAwareScheduling,
		Scorer:                  localityScorer,
	}, queueStore, reg, breakerRegistry, transportPool, tracer, log)

	orphanMonitor := orphan.New(orphan.Config{
		Interval: time.Duration(cfg.Dispatch.OrphanCheckIntervalMs) * time.Millisecond,
	}, reg, queueStore, breakerRegistry, log)

	leaderBackend, err := newLeaderBackend(cfg, db, redisClient, log)
	if err != nil {
		log.Fatal("failed to build leader election backend", "error", err)
	}

	retentionCron := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	if _, err := retentionCron.AddFunc(cfg.Dispatch.RetentionCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		deleted, err := queueStore.CleanupCompleted(ctx, cfg.Dispatch.RetentionHours)
		if err != nil {
			log.Error("retention sweep failed", "error", err)
			return
		}
		log.Info("retention sweep completed", "rows_deleted", deleted)
	}); err != nil {
		log.Fatal("failed to schedule retention sweep", "error", err)
	}

	// Each singleton service is gated behind its own named lease so a
	// replica that loses one does not drag the others down with it. The
	// leases are held regardless of distributed mode: TrivialBackend grants
	// unconditionally when distributed.enabled is false, so single-replica
	// deployments still run all three.
	elections := []*leader.Election{
		leader.New(leader.Config{}, leaderBackend, "queue-processor", func(ctx context.Context) error {
			queueProcessor.Start(ctx)
			return nil
		}, queueProcessor.Stop, eventBus, log),
		leader.New(leader.Config{}, leaderBackend, "orphan-monitor", func(ctx context.Context) error {
			orphanMonitor.Start(ctx)
			return nil
		}, orphanMonitor.Stop, eventBus, log),
		leader.New(leader.Config{}, leaderBackend, "retention-cleanup", func(ctx context.Context) error {
			retentionCron.Start()
			return nil
		}, func() { retentionCron.Stop() }, eventBus, log),
	}
	for _, e := range elections {
		e.Run(context.Background())
	}

	httpServer := server.New(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		AuthToken:    cfg.Distributed.AuthToken,
	}, reg, queueStore, breakerRegistry, decider, log)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal("admin API failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down build master...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	for _, e := range elections {
		e.Stop(shutdownCtx)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin API forced to shutdown", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", "error", err)
	}
	if err := eventBus.Close(); err != nil {
		log.Error("failed to close event bus", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error("failed to close redis", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		log.Error("failed to close database", "error", err)
	}

	log.Info("build master exited")
}

func newEventBus(cfg *config.Config) (events.EventBus, error) {
	if !cfg.Distributed.Enabled || len(cfg.Kafka.Brokers) == 0 {
		return events.NewNoopEventBus(), nil
	}
	return events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
}

// newLeaderBackend picks the election backend named by
// distributed.leader_backend, falling back to a trivial single-writer
// backend when distributed mode is off (sqlite / single-replica
// deployments never contend for the lease).
func newLeaderBackend(cfg *config.Config, db *database.DB, redisClient *redis.Client, log logger.Logger) (leader.Backend, error) {
	if !cfg.Distributed.Enabled {
		return leader.NewTrivialBackend(), nil
	}

	switch cfg.Distributed.LeaderBackend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("leader_backend=redis requires redis.host to be configured")
		}
		return leader.NewRedisBackend(redisClient, "", hostname(), 10*time.Second), nil
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: time.Duration(cfg.Etcd.DialTimeout) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return leader.NewEtcdBackend(client, "", 10), nil
	default:
		return leader.NewPostgresBackend(db.DB), nil
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "buildmaster"
	}
	return h
}

