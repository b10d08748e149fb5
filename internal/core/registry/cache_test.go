package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewCache(client, time.Minute)
}

func TestCacheSetAndDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	agent := &Agent{ID: "agent-1", Endpoint: "http://agent-1:9000", Status: StatusOnline, MaxBuilds: 4}
	require.NoError(t, c.Set(ctx, agent))

	raw, err := c.client.Get(ctx, c.key(agent.ID)).Result()
	require.NoError(t, err)
	assert.Contains(t, raw, "agent-1")

	require.NoError(t, c.Delete(ctx, agent.ID))
	_, err = c.client.Get(ctx, c.key(agent.ID)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestCacheZeroTTLDefaultsToOneHour(t *testing.T) {
	c := NewCache(nil, 0)
	assert.Equal(t, time.Hour, c.ttl)
}
