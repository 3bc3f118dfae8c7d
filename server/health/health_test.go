package health

import (
	"errors"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/wgfleet/wgfleet/server/model"
)

func TestLocalProbe(t *testing.T) {
	c := NewChecker(logs.NewTestingLog(t))
	srv := &model.Server{Endpoint: "127.0.0.1", Port: 51820}
	srv.ID = 1

	healthy, status := c.IsHealthy(srv)
	require.True(t, healthy)
	require.Empty(t, status.Error)

	srv2 := &model.Server{Endpoint: "host.invalid", Port: 51820}
	srv2.ID = 2
	healthy, status = c.IsHealthy(srv2)
	require.False(t, healthy)
	require.NotEmpty(t, status.Error)
}

func TestPanelProbeAndCache(t *testing.T) {
	c := NewChecker(logs.NewTestingLog(t))
	pings := 0
	pingErr := error(nil)
	c.panelPing = func(server *model.Server) error {
		pings++
		return pingErr
	}
	srv := &model.Server{PanelURL: "http://panel.example.com", PanelPassword: "pw"}
	srv.ID = 3

	healthy, _ := c.IsHealthy(srv)
	require.True(t, healthy)
	require.Equal(t, 1, pings)

	// Second call inside maxAge must be served from cache
	healthy, _ = c.IsHealthy(srv)
	require.True(t, healthy)
	require.Equal(t, 1, pings)

	// Expire the cache entry, flip the probe to failing
	c.cacheLock.Lock()
	stale := c.cache[srv.ID]
	stale.CheckedAt = time.Now().Add(-2 * c.maxAge)
	c.cache[srv.ID] = stale
	c.cacheLock.Unlock()
	pingErr = errors.New("connection refused")

	healthy, status := c.IsHealthy(srv)
	require.False(t, healthy)
	require.Equal(t, 2, pings)
	require.Contains(t, status.Error, "connection refused")

	cached, ok := c.Cached(srv.ID)
	require.True(t, ok)
	require.False(t, cached.Healthy)

	c.Forget(srv.ID)
	_, ok = c.Cached(srv.ID)
	require.False(t, ok)
}
