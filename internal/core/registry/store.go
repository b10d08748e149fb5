package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Store is the write-through persistence contract for agent records. It is
// optional: a Registry constructed without a Store keeps in-memory state only.
type Store interface {
	Save(ctx context.Context, a *Agent) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Agent, error)
}

// agentRow is the gorm model backing the agents table.
type agentRow struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	Endpoint      string
	Labels        string // comma-joined
	MaxBuilds     int
	CurrentBuilds int
	Status        string
	OrgID         *string
	SystemInfo    string // JSON-encoded SystemInfo
	Region        string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

func (agentRow) TableName() string { return "agents" }

func toRow(a *Agent) (*agentRow, error) {
	sysInfo, err := json.Marshal(a.SystemInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal system info: %w", err)
	}
	return &agentRow{
		ID:            a.ID,
		Name:          a.Name,
		Endpoint:      a.Endpoint,
		Labels:        strings.Join(a.Labels, ","),
		MaxBuilds:     a.MaxBuilds,
		CurrentBuilds: a.CurrentBuilds,
		Status:        string(a.Status),
		OrgID:         a.OrgID,
		SystemInfo:    string(sysInfo),
		Region:        a.Region,
		RegisteredAt:  a.RegisteredAt,
		LastHeartbeat: a.LastHeartbeat,
	}, nil
}

func fromRow(r *agentRow) (*Agent, error) {
	var sysInfo SystemInfo
	if r.SystemInfo != "" {
		if err := json.Unmarshal([]byte(r.SystemInfo), &sysInfo); err != nil {
			return nil, fmt.Errorf("unmarshal system info: %w", err)
		}
	}
	var labels []string
	if r.Labels != "" {
		labels = strings.Split(r.Labels, ",")
	}
	return &Agent{
		ID:            r.ID,
		Name:          r.Name,
		Endpoint:      r.Endpoint,
		Labels:        labels,
		MaxBuilds:     r.MaxBuilds,
		CurrentBuilds: r.CurrentBuilds,
		Status:        Status(r.Status),
		OrgID:         r.OrgID,
		SystemInfo:    sysInfo,
		Region:        r.Region,
		RegisteredAt:  r.RegisteredAt,
		LastHeartbeat: r.LastHeartbeat,
	}, nil
}

// GormStore persists agent records through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&agentRow{})
}

func (s *GormStore) Save(ctx context.Context, a *Agent) error {
	row, err := toRow(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&agentRow{}).Error
}

func (s *GormStore) LoadAll(ctx context.Context) ([]*Agent, error) {
	var rows []*agentRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	agents := make([]*Agent, 0, len(rows))
	for _, r := range rows {
		a, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Cache is the optional fast-path write-through cache in front of Store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) key(id string) string { return "agent:" + id }

func (c *Cache) Set(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(a.ID), data, c.ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
