package leader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/gorm"
)

// PostgresBackend implements Backend with a session-scoped advisory lock
// held on a single dedicated *sql.Conn: non-blocking try-acquire,
// auto-release when the connection drops.
type PostgresBackend struct {
	db *gorm.DB

	mu    sync.Mutex
	conns map[string]*pgLockConn
}

type pgLockConn struct {
	conn *sql.Conn
}

func NewPostgresBackend(db *gorm.DB) *PostgresBackend {
	return &PostgresBackend{db: db, conns: make(map[string]*pgLockConn)}
}

// TryAcquire opens (if needed) a dedicated connection for name and asks
// Postgres for a non-blocking session-scoped advisory lock on it. The lock
// auto-releases if the connection drops, so a crashed master never wedges
// the lease.
func (b *PostgresBackend) TryAcquire(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.conns[name]
	if !ok {
		sqlDB, err := b.db.DB()
		if err != nil {
			return false, fmt.Errorf("get sql.DB: %w", err)
		}
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("open dedicated connection for lease %s: %w", name, err)
		}
		entry = &pgLockConn{conn: conn}
		b.conns[name] = entry
	}

	var acquired bool
	row := entry.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name)
	if err := row.Scan(&acquired); err != nil {
		entry.conn.Close()
		delete(b.conns, name)
		return false, fmt.Errorf("pg_try_advisory_lock for %s: %w", name, err)
	}
	return acquired, nil
}

// Release unlocks and closes the dedicated connection for name.
func (b *PostgresBackend) Release(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.conns[name]
	if !ok {
		return nil
	}
	_, err := entry.conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name)
	closeErr := entry.conn.Close()
	delete(b.conns, name)
	if err != nil {
		return fmt.Errorf("pg_advisory_unlock for %s: %w", name, err)
	}
	return closeErr
}

// RedisBackend implements Backend with a SET NX PX lease, refreshed on
// every poll while held.
type RedisBackend struct {
	client *redis.Client
	prefix string
	holder string
	ttl    time.Duration
}

func NewRedisBackend(client *redis.Client, prefix, holderID string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "buildmaster:leader:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisBackend{client: client, prefix: prefix, holder: holderID, ttl: ttl}
}

func (b *RedisBackend) key(name string) string { return b.prefix + name }

// TryAcquire sets the lease key with NX so only the current holder (or no
// one) succeeds, then refreshes the TTL on every poll if we already hold it
// so the lease survives as long as this process keeps polling.
func (b *RedisBackend) TryAcquire(ctx context.Context, name string) (bool, error) {
	key := b.key(name)
	ok, err := b.client.SetNX(ctx, key, b.holder, b.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX for lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	current, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// The key expired between SETNX and GET; try again next poll.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET for lease %s: %w", name, err)
	}
	if current == b.holder {
		if err := b.client.Expire(ctx, key, b.ttl).Err(); err != nil {
			return false, fmt.Errorf("redis refresh lease %s: %w", name, err)
		}
		return true, nil
	}
	return false, nil
}

func (b *RedisBackend) Release(ctx context.Context, name string) error {
	key := b.key(name)
	current, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis GET before release of lease %s: %w", name, err)
	}
	if current != b.holder {
		return nil
	}
	return b.client.Del(ctx, key).Err()
}

// EtcdBackend implements Backend with an etcd lease grant plus a
// create-if-absent transactional put.
type EtcdBackend struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
	ttl    int64
}

func NewEtcdBackend(client *clientv3.Client, prefix string, ttlSeconds int64) *EtcdBackend {
	if prefix == "" {
		prefix = "/buildmaster/leader/"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &EtcdBackend{client: client, prefix: prefix, leases: make(map[string]clientv3.LeaseID), ttl: ttlSeconds}
}

func (b *EtcdBackend) key(name string) string { return b.prefix + name }

// TryAcquire grants a lease and attempts a transactional put that only
// succeeds if the key doesn't already exist (create-revision == 0), the
// same non-blocking "try" semantics the Postgres and Redis backends give.
// If this process already holds the lease, the poll refreshes its TTL
// instead of re-acquiring.
func (b *EtcdBackend) TryAcquire(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	held, ok := b.leases[name]
	b.mu.Unlock()
	if ok {
		if _, err := b.client.KeepAliveOnce(ctx, held); err == nil {
			return true, nil
		}
		// The lease expired out from under us; drop it and re-acquire.
		b.mu.Lock()
		delete(b.leases, name)
		b.mu.Unlock()
	}

	lease, err := b.client.Grant(ctx, b.ttl)
	if err != nil {
		return false, fmt.Errorf("etcd lease grant for %s: %w", name, err)
	}

	key := b.key(name)
	txn := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "held", clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key))
	resp, err := txn.Commit()
	if err != nil {
		return false, fmt.Errorf("etcd txn acquire for %s: %w", name, err)
	}
	if resp.Succeeded {
		b.mu.Lock()
		b.leases[name] = lease.ID
		b.mu.Unlock()
		return true, nil
	}

	// Someone else holds it; revoke the unused lease we just granted.
	_, _ = b.client.Revoke(ctx, lease.ID)
	return false, nil
}

func (b *EtcdBackend) Release(ctx context.Context, name string) error {
	b.mu.Lock()
	leaseID, ok := b.leases[name]
	delete(b.leases, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := b.client.Revoke(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("etcd lease revoke for %s: %w", name, err)
	}
	return nil
}

// TrivialBackend grants the lease unconditionally, for single-replica
// deployments on a single-writer store where election is moot.
type TrivialBackend struct {
	mu      sync.Mutex
	holders map[string]bool
}

func NewTrivialBackend() *TrivialBackend {
	return &TrivialBackend{holders: make(map[string]bool)}
}

func (b *TrivialBackend) TryAcquire(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holders[name] = true
	return true, nil
}

func (b *TrivialBackend) Release(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.holders, name)
	return nil
}
