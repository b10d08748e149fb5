package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolPostSuccessAndFailureCounters(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pool := NewPool(Config{RequestsPerSecond: 1000, Burst: 1000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		status, _, err := pool.Post(ctx, "agent-1", server.URL, "/run", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, status)
	}

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].ConsecutiveFailure)

	status, _, err := pool.Post(ctx, "agent-1", server.URL, "/run", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	stats = pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].ConsecutiveFailure)
	assert.WithinDuration(t, time.Now(), stats[0].LastSuccess, 5*time.Second)
}

func TestPoolClosePoolRemovesEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pool := NewPool(Config{RequestsPerSecond: 1000, Burst: 1000})
	ctx := context.Background()
	_, _, err := pool.Post(ctx, "agent-1", server.URL, "/run", []byte(`{}`), nil)
	require.NoError(t, err)
	require.Len(t, pool.Stats(), 1)

	pool.ClosePool("agent-1")
	assert.Len(t, pool.Stats(), 0)
}
