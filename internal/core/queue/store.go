package queue

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/buildmaster/core/internal/core/tracing"
	"github.com/buildmaster/core/pkg/events"
	"github.com/buildmaster/core/pkg/logger"
)

// itemRow is the gorm model backing the build_queue table.
type itemRow struct {
	ID           string `gorm:"primaryKey"`
	BuildID      string `gorm:"index"`
	JobID        string
	Payload      []byte
	Labels       string // comma-joined
	Status       string `gorm:"index"`
	RetryCount   int
	MaxRetries   int
	EnqueuedAt   time.Time `gorm:"index"`
	DispatchedAt *time.Time
	CompletedAt  *time.Time
	NextRetryAt  *time.Time
	AgentID      *string `gorm:"index"`
	LastError    string
}

func (itemRow) TableName() string { return "build_queue" }

func rowToItem(r *itemRow) *Item {
	var labels []string
	if r.Labels != "" {
		labels = strings.Split(r.Labels, ",")
	}
	return &Item{
		ID:           r.ID,
		BuildID:      r.BuildID,
		JobID:        r.JobID,
		Payload:      append([]byte(nil), r.Payload...),
		Labels:       labels,
		Status:       Status(r.Status),
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		EnqueuedAt:   r.EnqueuedAt,
		DispatchedAt: r.DispatchedAt,
		CompletedAt:  r.CompletedAt,
		NextRetryAt:  r.NextRetryAt,
		AgentID:      r.AgentID,
		LastError:    r.LastError,
	}
}

// claimCandidateLimit bounds how many oldest pending candidates DequeueNext
// walks before giving up when claim guards keep failing under contention.
const claimCandidateLimit = 10

// Store is the durable build queue. The claim in DequeueNext and the
// requeue in RequeueForAgent are UPDATEs guarded on the row's current
// status (the claim also checks rows-affected); MarkDispatched,
// MarkCompleted and MarkFailed update by id without a status guard. The
// same code runs unchanged against Postgres and sqlite.
type Store struct {
	db       *gorm.DB
	eventBus events.EventBus
	tracer   *tracing.Tracer
	logger   logger.Logger
}

func NewStore(db *gorm.DB, bus events.EventBus, tracer *tracing.Tracer, log logger.Logger) *Store {
	if bus == nil {
		bus = events.NewNoopEventBus()
	}
	if tracer == nil {
		tracer, _ = tracing.New(tracing.Config{}, log)
	}
	return &Store{db: db, eventBus: bus, tracer: tracer, logger: log}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&itemRow{})
}

// SweepStaleDispatching resets every row stuck in "dispatching" back to
// pending at startup. A fresh master has no way to know whether an
// in-flight POST from a previous process actually reached an agent, so the
// safe default is to retry it.
func (s *Store) SweepStaleDispatching(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("status = ?", string(StatusDispatching)).
		Updates(map[string]interface{}{"status": string(StatusPending), "agent_id": nil})
	if result.Error != nil {
		return 0, fmt.Errorf("sweep stale dispatching rows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) Enqueue(ctx context.Context, buildID, jobID string, payload []byte, labels []string, maxRetries int) (*Item, error) {
	if buildID == "" || jobID == "" {
		return nil, fmt.Errorf("enqueue: build-id and job-id are required")
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	row := &itemRow{
		ID:         uuid.New().String(),
		BuildID:    buildID,
		JobID:      jobID,
		Payload:    payload,
		Labels:     strings.Join(labels, ","),
		Status:     string(StatusPending),
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("enqueue build queue item: %w", err)
	}

	s.publish(ctx, events.QueueItemEnqueued, row.ID, row.BuildID)
	return rowToItem(row), nil
}

// DequeueNext atomically claims the oldest eligible pending item. Returns
// (nil, nil) if none is available.
func (s *Store) DequeueNext(ctx context.Context) (*Item, error) {
	ctx, span := s.tracer.StartSpan(ctx, "queue.dequeue_next")
	defer span.End()

	var candidates []itemRow
	now := time.Now()
	err := s.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", string(StatusPending), now).
		Order("enqueued_at ASC").
		Limit(claimCandidateLimit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("select dequeue candidates: %w", err)
	}

	for _, c := range candidates {
		result := s.db.WithContext(ctx).Model(&itemRow{}).
			Where("id = ? AND status = ?", c.ID, string(StatusPending)).
			Updates(map[string]interface{}{"status": string(StatusDispatching)})
		if result.Error != nil {
			return nil, fmt.Errorf("claim queue item %s: %w", c.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			c.Status = string(StatusDispatching)
			return rowToItem(&c), nil
		}
		// Another processor won the claim; try the next candidate.
	}
	return nil, nil
}

func (s *Store) MarkDispatched(ctx context.Context, queueID, agentID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "queue.mark_dispatched",
		attribute.String("queue_id", queueID), attribute.String("agent_id", agentID))
	defer span.End()

	now := time.Now()
	result := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("id = ?", queueID).
		Updates(map[string]interface{}{
			"status":        string(StatusDispatched),
			"dispatched_at": now,
			"agent_id":      agentID,
		})
	if result.Error != nil {
		return fmt.Errorf("mark dispatched %s: %w", queueID, result.Error)
	}
	s.publish(ctx, events.QueueItemDispatched, queueID, "")
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("id = ?", queueID).
		Updates(map[string]interface{}{"status": string(StatusCompleted), "completed_at": now})
	if result.Error != nil {
		return fmt.Errorf("mark completed %s: %w", queueID, result.Error)
	}
	s.publish(ctx, events.QueueItemCompleted, queueID, "")
	return nil
}

func (s *Store) MarkCompletedByBuildID(ctx context.Context, buildID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("build_id = ? AND status NOT IN ?", buildID, []string{string(StatusCompleted), string(StatusDeadLetter)}).
		Updates(map[string]interface{}{"status": string(StatusCompleted), "completed_at": now})
	if result.Error != nil {
		return fmt.Errorf("mark completed by build id %s: %w", buildID, result.Error)
	}
	s.publish(ctx, events.QueueItemCompleted, "", buildID)
	return nil
}

// MarkFailed increments retry-count and either returns the item to pending
// with an exponential-backoff-plus-jitter next-retry-at, or moves it to
// dead-letter once the retry budget is exhausted.
func (s *Store) MarkFailed(ctx context.Context, queueID, errMsg string, backoffMs int64) (FailOutcome, error) {
	ctx, span := s.tracer.StartSpan(ctx, "queue.mark_failed", attribute.String("queue_id", queueID))
	defer span.End()

	var row itemRow
	if err := s.db.WithContext(ctx).Where("id = ?", queueID).First(&row).Error; err != nil {
		return "", fmt.Errorf("load queue item %s: %w", queueID, err)
	}

	newRetryCount := row.RetryCount + 1

	if newRetryCount <= row.MaxRetries {
		delay := jitter(backoffMs)
		nextRetry := time.Now().Add(delay)
		result := s.db.WithContext(ctx).Model(&itemRow{}).
			Where("id = ?", queueID).
			Updates(map[string]interface{}{
				"status":        string(StatusPending),
				"retry_count":   newRetryCount,
				"next_retry_at": nextRetry,
				"agent_id":      nil,
				"last_error":    errMsg,
			})
		if result.Error != nil {
			return "", fmt.Errorf("mark failed (retry) %s: %w", queueID, result.Error)
		}
		s.publish(ctx, events.QueueItemFailed, queueID, row.BuildID)
		return FailOutcomeRetried, nil
	}

	now := time.Now()
	result := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("id = ?", queueID).
		Updates(map[string]interface{}{
			"status":       string(StatusDeadLetter),
			"retry_count":  newRetryCount,
			"completed_at": now,
			"last_error":   errMsg,
		})
	if result.Error != nil {
		return "", fmt.Errorf("mark failed (dead-letter) %s: %w", queueID, result.Error)
	}
	s.publish(ctx, events.QueueItemDeadLetter, queueID, row.BuildID)
	return FailOutcomeDeadLetter, nil
}

// jitter adds up to 10% random jitter on top of an already-computed
// backoff (the caller owns the base·2^(attempt-1) exponential and its cap;
// the store only needs to avoid every retry in a batch waking at the
// exact same instant).
func jitter(backoffMs int64) time.Duration {
	delay := float64(backoffMs)
	delay += rand.Float64() * 0.10 * delay
	return time.Duration(delay) * time.Millisecond
}

// RequeueForAgent moves every dispatched item assigned to agentID back to
// pending (with an incremented retry count and immediate retry), or to
// dead-letter when the retry budget is exhausted. Returns the count
// affected. Tolerant of concurrent completions: the WHERE status='dispatched'
// guard means an item an agent reports complete concurrently is simply not
// touched.
func (s *Store) RequeueForAgent(ctx context.Context, agentID string) (int, error) {
	var rows []itemRow
	if err := s.db.WithContext(ctx).
		Where("status = ? AND agent_id = ?", string(StatusDispatched), agentID).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("list dispatched items for agent %s: %w", agentID, err)
	}

	count := 0
	for _, row := range rows {
		result := s.db.WithContext(ctx).Model(&itemRow{}).
			Where("id = ? AND status = ?", row.ID, string(StatusDispatched))

		newRetryCount := row.RetryCount + 1
		if newRetryCount <= row.MaxRetries {
			update := result.Updates(map[string]interface{}{
				"status":        string(StatusPending),
				"retry_count":   newRetryCount,
				"next_retry_at": nil,
				"agent_id":      nil,
				"last_error":    "agent offline: " + agentID,
			})
			if update.Error != nil {
				return count, fmt.Errorf("requeue item %s: %w", row.ID, update.Error)
			}
			if update.RowsAffected > 0 {
				count++
				s.publish(ctx, events.QueueItemRequeued, row.ID, row.BuildID)
			}
			continue
		}

		now := time.Now()
		update := result.Updates(map[string]interface{}{
			"status":       string(StatusDeadLetter),
			"retry_count":  newRetryCount,
			"completed_at": now,
			"last_error":   "agent offline, retries exhausted: " + agentID,
		})
		if update.Error != nil {
			return count, fmt.Errorf("dead-letter item %s: %w", row.ID, update.Error)
		}
		if update.RowsAffected > 0 {
			count++
			s.publish(ctx, events.QueueItemDeadLetter, row.ID, row.BuildID)
		}
	}
	return count, nil
}

func (s *Store) DepthPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&itemRow{}).Where("status = ?", string(StatusPending)).Count(&count).Error
	return count, err
}

func (s *Store) OldestPendingAgeMs(ctx context.Context) (int64, error) {
	var row itemRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(StatusPending)).
		Order("enqueued_at ASC").
		Limit(1).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.Since(row.EnqueuedAt).Milliseconds(), nil
}

func (s *Store) ByBuildID(ctx context.Context, buildID string) (*Item, error) {
	var row itemRow
	err := s.db.WithContext(ctx).Where("build_id = ?", buildID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToItem(&row), nil
}

func (s *Store) DeadLetter(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []itemRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(StatusDeadLetter)).
		Order("completed_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(rows))
	for i := range rows {
		items = append(items, rowToItem(&rows[i]))
	}
	return items, nil
}

// CleanupCompleted deletes completed and dead-letter rows older than the
// given retention horizon.
func (s *Store) CleanupCompleted(ctx context.Context, hours int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	result := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []string{string(StatusCompleted), string(StatusDeadLetter)}, cutoff).
		Delete(&itemRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup completed queue items: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) publish(ctx context.Context, eventType, queueID, buildID string) {
	builder := events.NewEventBuilder(eventType).WithAggregateType("queue_item")
	if queueID != "" {
		builder = builder.WithAggregateID(queueID)
	} else {
		builder = builder.WithAggregateID(buildID)
	}
	builder = builder.WithPayload("build_id", buildID)
	if err := s.eventBus.Publish(ctx, builder.Build()); err != nil {
		s.logger.Warn("failed to publish queue event", "event", eventType, "queue_id", queueID, "error", err)
	}
}
