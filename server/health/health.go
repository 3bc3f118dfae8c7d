// Package health probes WireGuard servers for reachability.
//
// WireGuard never answers unsolicited datagrams, so a UDP probe can only
// prove that the endpoint resolves and that a datagram can be sent. Panel
// managed servers get a real probe through their wg-easy API instead.
// Results are cached, because tunnel creation consults server health on
// every request and we don't want a probe per request.
package health

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/panel"
)

// DefaultMaxAge is how long a cached health result remains valid.
const DefaultMaxAge = 5 * time.Minute

const probeTimeout = 5 * time.Second

// Status is the outcome of the most recent probe of one server.
type Status struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"responseTime"`
	CheckedAt    time.Time     `json:"checkedAt"`
	Error        string        `json:"error,omitempty"`
}

type Checker struct {
	log    logs.Log
	maxAge time.Duration

	cacheLock sync.Mutex
	cache     map[int64]Status

	// panelPing is swapped out by tests
	panelPing func(server *model.Server) error
}

func NewChecker(log logs.Log) *Checker {
	c := &Checker{
		log:    log,
		maxAge: DefaultMaxAge,
		cache:  map[int64]Status{},
	}
	c.panelPing = func(server *model.Server) error {
		return panel.NewClient(c.log, server.PanelURL, server.PanelPassword).Ping()
	}
	return c
}

// IsHealthy returns the cached verdict for the server, probing first if the
// cache entry is missing or older than maxAge.
func (c *Checker) IsHealthy(server *model.Server) (bool, Status) {
	c.cacheLock.Lock()
	cached, ok := c.cache[server.ID]
	c.cacheLock.Unlock()
	if ok && time.Since(cached.CheckedAt) < c.maxAge {
		return cached.Healthy, cached
	}
	status := c.Check(server)
	return status.Healthy, status
}

// Check probes the server now and refreshes the cache.
func (c *Checker) Check(server *model.Server) Status {
	start := time.Now()
	var err error
	if server.PanelManaged() {
		err = c.panelPing(server)
	} else {
		err = probeUDP(server.Endpoint, server.Port)
	}
	status := Status{
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
		CheckedAt:    time.Now(),
	}
	if err != nil {
		status.Error = err.Error()
		c.log.Warnf("Health check failed for server %v (%v): %v", server.ID, server.Name, err)
	}
	c.cacheLock.Lock()
	c.cache[server.ID] = status
	c.cacheLock.Unlock()
	return status
}

// Cached returns the cached status without probing, and false if we've
// never probed this server.
func (c *Checker) Cached(serverID int64) (Status, bool) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	status, ok := c.cache[serverID]
	return status, ok
}

// Forget drops the cached entry, forcing the next IsHealthy to probe.
func (c *Checker) Forget(serverID int64) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	delete(c.cache, serverID)
}

// probeUDP verifies that the endpoint resolves and accepts a datagram.
// No response is expected. A DNS failure or an unroutable address is what
// this catches.
func probeUDP(endpoint string, port int) error {
	addr := net.JoinHostPort(endpoint, fmt.Sprint(port))
	conn, err := net.DialTimeout("udp", addr, probeTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach %v: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{}); err != nil {
		return fmt.Errorf("cannot send to %v: %w", addr, err)
	}
	return nil
}
