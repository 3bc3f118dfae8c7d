// Package tunnel coordinates the full tunnel lifecycle: reserving an
// address, provisioning the peer, persisting the config, and tearing it
// all down again.
package tunnel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/pkg/wgkeys"
	"github.com/wgfleet/wgfleet/server/health"
	"github.com/wgfleet/wgfleet/server/ippool"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/panel"
	"github.com/wgfleet/wgfleet/server/wgconf"
	"github.com/wgfleet/wgfleet/server/wgdriver"
	"gorm.io/gorm"
)

var (
	// ErrTunnelExists means the user already has an active tunnel on this server.
	ErrTunnelExists = errors.New("user already has an active tunnel on this server")
	// ErrTunnelNotFound means no active tunnel matches the request.
	ErrTunnelNotFound = errors.New("tunnel not found")
	// ErrServerNotFound means the server doesn't exist or is not active.
	ErrServerNotFound = errors.New("server not found or inactive")
	// ErrUpstreamUnavailable means the WireGuard server (or its panel) could not be reached.
	ErrUpstreamUnavailable = errors.New("server is unavailable")
	// ErrVerificationFailed means the peer never showed up on the interface after registration.
	ErrVerificationFailed = errors.New("peer registration could not be verified")
	// ErrTooManyTunnels means the user hit their tunnel quota.
	ErrTooManyTunnels = errors.New("too many active tunnels for user")
)

// DisconnectionThreshold is how long a peer may go without a handshake
// before we consider it disconnected.
const DisconnectionThreshold = 5 * time.Minute

// DefaultDNS is the client DNS used when the server doesn't specify one.
const DefaultDNS = "1.1.1.1"

// Handle is the in-memory record of one live tunnel.
type Handle struct {
	ConfigID     int64
	UserID       int64
	ServerID     int64
	DriverHandle string // Public key for local servers, wg-easy client ID for panel servers
	PublicKey    string
}

// ConnectionStatus is a point-in-time view of one tunnel, as reported by
// the server it lives on.
type ConnectionStatus struct {
	ConfigID int64 `json:"configId"`
	// PeerPresent is false if the peer has vanished from the server, eg
	// deleted behind our back on the panel.
	PeerPresent   bool      `json:"peerPresent"`
	IsConnected   bool      `json:"isConnected"`
	LastHandshake time.Time `json:"lastHandshake"`
	BytesSent     int64     `json:"bytesSent"`
	BytesReceived int64     `json:"bytesReceived"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AllocatedIP   string    `json:"allocatedIp"`
	// HasStats is false when the server cannot report handshakes or
	// transfer counters, in which case IsConnected only means "provisioned".
	HasStats bool `json:"hasStats"`
}

// Stats aggregates the state of every peer across our servers.
type Stats struct {
	TotalPeers         int       `json:"totalPeers"`
	ConnectedPeers     int       `json:"connectedPeers"`
	DisconnectedPeers  int       `json:"disconnectedPeers"`
	TotalBytesSent     int64     `json:"totalBytesSent"`
	TotalBytesReceived int64     `json:"totalBytesReceived"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// HealthChecker is the slice of health.Checker that we consume.
type HealthChecker interface {
	IsHealthy(server *model.Server) (bool, health.Status)
}

type Coordinator struct {
	log     logs.Log
	db      *gorm.DB
	pool    *ippool.Pool
	health  HealthChecker
	drivers *wgdriver.Registry

	// MaxTunnelsPerUser caps active tunnels per user across all servers. 0 is unlimited.
	MaxTunnelsPerUser int
	// ClientDNS is handed to clients when their server doesn't specify a DNS.
	ClientDNS string

	verifyAttempts int
	verifyDelay    time.Duration

	// DriverForServer picks the driver for a server. Overridable, eg for tests.
	DriverForServer func(server *model.Server) wgdriver.PeerDriver

	indexLock sync.Mutex
	index     map[int64]Handle // config ID -> handle
}

func NewCoordinator(log logs.Log, db *gorm.DB, healthChecker HealthChecker) *Coordinator {
	c := &Coordinator{
		log:            log,
		db:             db,
		pool:           ippool.NewPool(log, db),
		health:         healthChecker,
		drivers:        wgdriver.NewRegistry(log),
		verifyAttempts: 3,
		verifyDelay:    time.Second,
		index:          map[int64]Handle{},
	}
	c.DriverForServer = c.drivers.ForServer
	return c
}

// Pool returns the IP pool, for callers that populate or inspect it directly.
func (c *Coordinator) Pool() *ippool.Pool {
	return c.pool
}

// PanelClient returns the shared wg-easy client for a panel managed server.
func (c *Coordinator) PanelClient(server *model.Server) *panel.Client {
	return c.drivers.Panel(server)
}

// RestoreIndex rebuilds the in-memory tunnel index from the DB.
// Call once on startup, so that tunnels created by a previous run are known.
func (c *Coordinator) RestoreIndex() error {
	configs := []model.VPNConfig{}
	if err := c.db.Where("is_active").Find(&configs).Error; err != nil {
		return err
	}
	c.indexLock.Lock()
	defer c.indexLock.Unlock()
	c.index = map[int64]Handle{}
	for _, cfg := range configs {
		c.index[cfg.ID] = handleForConfig(&cfg)
	}
	c.log.Infof("Restored %v active tunnels into the index", len(c.index))
	return nil
}

func handleForConfig(cfg *model.VPNConfig) Handle {
	h := Handle{
		ConfigID:     cfg.ID,
		UserID:       cfg.UserID,
		ServerID:     cfg.ServerID,
		DriverHandle: cfg.PublicKey,
		PublicKey:    cfg.PublicKey,
	}
	if cfg.PanelClientID != "" {
		h.DriverHandle = cfg.PanelClientID
	}
	return h
}

// Create provisions a tunnel for the user on the given server.
//
// The failure paths matter more than the happy path here. Any failure after
// the IP reservation releases the reservation, and any failure after peer
// registration removes the peer, so a failed create leaves nothing behind.
func (c *Coordinator) Create(user *model.User, serverID int64) (*model.VPNConfig, error) {
	// Cheap pre-checks. The partial unique index is the real guarantee against
	// a duplicate pair, these just produce friendlier errors in the common case.
	existing := int64(0)
	if err := c.db.Model(&model.VPNConfig{}).Where("user_id = ? AND server_id = ? AND is_active", user.ID, serverID).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing != 0 {
		return nil, ErrTunnelExists
	}
	if c.MaxTunnelsPerUser > 0 {
		nActive := int64(0)
		if err := c.db.Model(&model.VPNConfig{}).Where("user_id = ? AND is_active", user.ID).Count(&nActive).Error; err != nil {
			return nil, err
		}
		if nActive >= int64(c.MaxTunnelsPerUser) {
			return nil, ErrTooManyTunnels
		}
	}

	server := model.Server{}
	if err := c.db.Where("id = ? AND is_active", serverID).First(&server).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}

	if healthy, status := c.health.IsHealthy(&server); !healthy {
		// A panel that fails a probe can still be provisioning fine, so for
		// panel servers an unhealthy verdict is a warning, not a refusal.
		if server.PanelManaged() {
			c.log.Warnf("Server %v failed its health check (%v), proceeding because it is panel managed", server.Name, status.Error)
		} else {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, status.Error)
		}
	}

	alloc, err := c.pool.Reserve(server.ID)
	if err != nil {
		return nil, err
	}
	releaseAlloc := func() {
		if err := c.pool.Release(alloc.ID); err != nil {
			c.log.Errorf("Failed to release IP %v after aborted tunnel creation: %v", alloc.IPAddress, err)
		}
	}

	privateKey, publicKey := wgkeys.GenerateKeypair()
	presharedKey := wgkeys.GeneratePresharedKey()

	driver := c.DriverForServer(&server)
	result, err := driver.RegisterPeer(&wgdriver.RegisterRequest{
		Name:         user.Username,
		PublicKey:    publicKey,
		PresharedKey: presharedKey,
		AllowedIP:    alloc.IPAddress,
	})
	if err != nil {
		releaseAlloc()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	removePeer := func() {
		if err := driver.RemovePeer(result.Handle, publicKey); err != nil {
			c.log.Errorf("Failed to remove peer %v after aborted tunnel creation: %v", result.Handle, err)
		}
	}

	cfg := model.VPNConfig{
		UserID:       user.ID,
		ServerID:     server.ID,
		PrivateKey:   privateKey,
		PublicKey:    publicKey,
		PresharedKey: presharedKey,
		IPAddress:    alloc.IPAddress,
		IsActive:     true,
		CreatedAt:    dbh.MakeIntTime(time.Now()),
	}
	useAlloc := true
	if result.PublicKey != "" {
		// The panel generated its own keys and address, so ours are dead weight
		cfg.PublicKey = result.PublicKey
		cfg.PanelClientID = result.Handle
		cfg.ConfigText = result.ConfigText
		if params, err := wgconf.Parse(result.ConfigText); err == nil {
			cfg.PrivateKey = params.PrivateKey
			cfg.PresharedKey = params.PresharedKey
		} else {
			c.log.Warnf("Panel config for client %v is not parseable: %v", result.Handle, err)
			cfg.PrivateKey = ""
			cfg.PresharedKey = ""
		}
		if result.Address != "" && result.Address != alloc.IPAddress {
			// The panel owns its subnet. Our reservation is meaningless there.
			cfg.IPAddress = result.Address
			releaseAlloc()
			useAlloc = false
		}
	} else {
		dns := server.DNS
		if dns == "" {
			dns = c.ClientDNS
		}
		if dns == "" {
			dns = DefaultDNS
		}
		cfg.ConfigText = wgconf.Render(&wgconf.Params{
			PrivateKey:      privateKey,
			Address:         alloc.IPAddress,
			DNS:             dns,
			ServerPublicKey: server.PublicKey,
			PresharedKey:    presharedKey,
			Endpoint:        server.Endpoint,
			Port:            server.Port,
		})
	}

	err = c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cfg).Error; err != nil {
			return err
		}
		if useAlloc {
			return tx.Model(&model.IPAllocation{}).Where("id = ?", alloc.ID).Update("vpn_config_id", cfg.ID).Error
		}
		return nil
	})
	if err != nil {
		removePeer()
		if useAlloc {
			releaseAlloc()
		}
		if isUniqueViolation(err) {
			// Lost the race against a concurrent create for the same pair
			return nil, ErrTunnelExists
		}
		return nil, err
	}

	// Panel registrations are taken at their word. For local registrations we
	// confirm that the kernel actually has the peer before declaring success.
	if !server.PanelManaged() {
		if !c.verifyPeerPresent(driver, cfg.PublicKey, true) {
			c.log.Errorf("Peer %v not visible after registration, rolling back tunnel %v", cfg.PublicKey, cfg.ID)
			removePeer()
			if delErr := c.db.Delete(&model.VPNConfig{}, cfg.ID).Error; delErr != nil {
				c.log.Errorf("Failed to delete unverified tunnel %v: %v", cfg.ID, delErr)
			}
			if useAlloc {
				releaseAlloc()
			}
			return nil, ErrVerificationFailed
		}
	}

	c.indexLock.Lock()
	c.index[cfg.ID] = handleForConfig(&cfg)
	c.indexLock.Unlock()

	c.log.Infof("Created tunnel %v for user %v on server %v (%v)", cfg.ID, user.Username, server.Name, cfg.IPAddress)
	return &cfg, nil
}

// Destroy tears a tunnel down. Destroying a tunnel that is already inactive
// is a no-op.
//
// The DB deactivation goes through even if peer removal fails: a row that
// claims to be active for a peer we can't reach is worse than a stray peer,
// which the cleanup sweep will retry anyway.
func (c *Coordinator) Destroy(configID int64) error {
	cfg := model.VPNConfig{}
	if err := c.db.First(&cfg, configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTunnelNotFound
		}
		return err
	}
	return c.DestroyConfig(&cfg)
}

func (c *Coordinator) DestroyConfig(cfg *model.VPNConfig) error {
	if !cfg.IsActive {
		return nil
	}
	server := model.Server{}
	if err := c.db.First(&server, cfg.ServerID).Error; err != nil {
		return fmt.Errorf("tunnel %v references server %v, which does not exist: %w", cfg.ID, cfg.ServerID, err)
	}
	driver := c.DriverForServer(&server)

	handle := handleForConfig(cfg)
	if err := driver.RemovePeer(handle.DriverHandle, cfg.PublicKey); err != nil {
		c.log.Errorf("Failed to remove peer %v for tunnel %v: %v (deactivating anyway)", handle.DriverHandle, cfg.ID, err)
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&model.VPNConfig{}).Where("id = ? AND is_active", cfg.ID).
			Updates(map[string]any{
				"is_active":      false,
				"deactivated_at": dbh.MakeIntTime(time.Now()),
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			// A concurrent destroy beat us. Nothing left to do.
			return nil
		}
		return c.pool.ReleaseByConfig(tx, cfg.ID)
	})
	if err != nil {
		return err
	}

	if !server.PanelManaged() {
		if !c.verifyPeerPresent(driver, cfg.PublicKey, false) {
			c.log.Warnf("Peer %v may not have been fully removed from %v", cfg.PublicKey, server.Name)
		}
	}

	c.indexLock.Lock()
	delete(c.index, cfg.ID)
	c.indexLock.Unlock()

	cfg.IsActive = false
	c.log.Infof("Destroyed tunnel %v (user %v, server %v)", cfg.ID, cfg.UserID, server.Name)
	return nil
}

// verifyPeerPresent polls the driver until the peer's presence matches
// wantPresent, giving the kernel a moment to settle between attempts.
func (c *Coordinator) verifyPeerPresent(driver wgdriver.PeerDriver, publicKey string, wantPresent bool) bool {
	for attempt := 0; attempt < c.verifyAttempts; attempt++ {
		time.Sleep(c.verifyDelay)
		has, err := driver.HasPeer(publicKey)
		if err != nil {
			c.log.Warnf("Attempt %v to verify peer %v failed: %v", attempt+1, publicKey, err)
			continue
		}
		if has == wantPresent {
			return true
		}
	}
	return false
}

// Status reports the live state of one tunnel.
// If the peer is missing from the server, the tunnel is reported as
// disconnected. We do not destroy it here, that is the cleanup sweep's call.
func (c *Coordinator) Status(configID int64) (*ConnectionStatus, error) {
	c.indexLock.Lock()
	handle, inIndex := c.index[configID]
	c.indexLock.Unlock()

	cfg := model.VPNConfig{}
	if err := c.db.Where("id = ? AND is_active", configID).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if inIndex {
				// Stale index entry, the DB is the truth
				c.indexLock.Lock()
				delete(c.index, configID)
				c.indexLock.Unlock()
			}
			return nil, ErrTunnelNotFound
		}
		return nil, err
	}
	if !inIndex {
		handle = handleForConfig(&cfg)
		c.indexLock.Lock()
		c.index[configID] = handle
		c.indexLock.Unlock()
	}

	server := model.Server{}
	if err := c.db.First(&server, cfg.ServerID).Error; err != nil {
		return nil, err
	}
	driver := c.DriverForServer(&server)
	peers, err := driver.Peers()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	status := &ConnectionStatus{
		ConfigID:    cfg.ID,
		AllocatedIP: cfg.IPAddress,
		HasStats:    driver.HasStats(),
	}
	for _, p := range peers {
		if p.Handle == handle.DriverHandle || (p.PublicKey != "" && p.PublicKey == cfg.PublicKey) {
			status.PeerPresent = true
			status.LastHandshake = p.LastHandshake
			status.BytesSent = p.BytesSent
			status.BytesReceived = p.BytesReceived
			status.Endpoint = p.Endpoint
			if driver.HasStats() {
				status.IsConnected = isConnected(p.LastHandshake)
			} else {
				// The panel reports no handshakes. Present means provisioned.
				status.IsConnected = true
			}
			return status, nil
		}
	}

	// The peer has vanished, eg deleted on the panel behind our back. Drop the
	// stale index entry so we stop advertising a handle that no longer exists.
	// The DB row stays, the cleanup sweep decides its fate.
	c.log.Warnf("Peer for tunnel %v is gone from server %v", cfg.ID, server.Name)
	c.indexLock.Lock()
	delete(c.index, cfg.ID)
	c.indexLock.Unlock()
	return status, nil
}

func isConnected(lastHandshake time.Time) bool {
	return !lastHandshake.IsZero() && time.Since(lastHandshake) < DisconnectionThreshold
}

// ForceDisconnect destroys the active tunnel that owns the given public key.
func (c *Coordinator) ForceDisconnect(publicKey string) error {
	cfg := model.VPNConfig{}
	if err := c.db.Where("public_key = ? AND is_active", publicKey).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTunnelNotFound
		}
		return err
	}
	return c.DestroyConfig(&cfg)
}

// SampleUsage writes a usage_log row for every active peer whose server
// reports transfer counters. Panel servers report none, so they are skipped.
func (c *Coordinator) SampleUsage() (int, error) {
	servers, err := c.activeServers()
	if err != nil {
		return 0, err
	}
	sampled := 0
	for i := range servers {
		server := &servers[i]
		driver := c.DriverForServer(server)
		if !driver.HasStats() {
			continue
		}
		peers, err := driver.Peers()
		if err != nil {
			c.log.Warnf("Skipping usage sample for server %v: %v", server.Name, err)
			continue
		}
		for _, p := range peers {
			cfg := model.VPNConfig{}
			if err := c.db.Where("public_key = ? AND is_active", p.PublicKey).First(&cfg).Error; err != nil {
				continue
			}
			entry := model.UsageLog{
				VPNConfigID:   cfg.ID,
				UserID:        cfg.UserID,
				ServerID:      cfg.ServerID,
				BytesSent:     p.BytesSent,
				BytesReceived: p.BytesReceived,
				CreatedAt:     dbh.MakeIntTime(time.Now()),
			}
			if !p.LastHandshake.IsZero() {
				entry.LastHandshake = dbh.MakeIntTime(p.LastHandshake)
			}
			if err := c.db.Create(&entry).Error; err != nil {
				c.log.Errorf("Failed to write usage log for tunnel %v: %v", cfg.ID, err)
				continue
			}
			sampled++
		}
	}
	return sampled, nil
}

// CleanupSweep destroys tunnels whose peers have gone silent or vanished.
//
// A tunnel is only eligible once it is older than the disconnection
// threshold, so a freshly created tunnel gets time for its first handshake.
// A tunnel that has never completed a handshake at all gets twice that long.
// Servers without stats cannot tell us about handshakes, so the staleness
// rules don't apply there. Absence still does: a peer deleted behind our
// back (eg on the panel UI) leaves its config orphaned, and the sweep is
// what reconciles it.
func (c *Coordinator) CleanupSweep() (int, error) {
	servers, err := c.activeServers()
	if err != nil {
		return 0, err
	}
	destroyed := 0
	now := time.Now()
	for i := range servers {
		server := &servers[i]
		driver := c.DriverForServer(server)
		peers, err := driver.Peers()
		if err != nil {
			c.log.Warnf("Skipping cleanup sweep for server %v: %v", server.Name, err)
			continue
		}
		byKey := map[string]wgdriver.PeerStatus{}
		byHandle := map[string]wgdriver.PeerStatus{}
		for _, p := range peers {
			byKey[p.PublicKey] = p
			byHandle[p.Handle] = p
		}

		configs := []model.VPNConfig{}
		if err := c.db.Where("server_id = ? AND is_active", server.ID).Find(&configs).Error; err != nil {
			return destroyed, err
		}
		for i := range configs {
			cfg := &configs[i]
			peer, present := byHandle[handleForConfig(cfg).DriverHandle]
			if !present {
				peer, present = byKey[cfg.PublicKey]
			}
			age := now.Sub(cfg.CreatedAt.Get())
			if !driver.HasStats() {
				// Staleness is unknowable without handshake stats, so we only
				// act on absence, with double the grace in case the tunnel was
				// created moments ago and the panel is still settling.
				if present || age <= 2*DisconnectionThreshold {
					continue
				}
			} else {
				if present && isConnected(peer.LastHandshake) {
					continue
				}
				if age <= DisconnectionThreshold {
					continue
				}
				stale := false
				if present && !peer.LastHandshake.IsZero() {
					stale = now.Sub(peer.LastHandshake) > DisconnectionThreshold
				} else {
					// Never handshaked (or peer vanished). Give it double the grace.
					stale = age > 2*DisconnectionThreshold
				}
				if !stale {
					continue
				}
			}
			if err := c.DestroyConfig(cfg); err != nil {
				c.log.Warnf("Failed to clean up stale tunnel %v: %v", cfg.ID, err)
				continue
			}
			destroyed++
		}
	}
	if destroyed > 0 {
		c.log.Infof("Cleaned up %v stale tunnels", destroyed)
	}
	return destroyed, nil
}

// ConnectionStats aggregates peer state across every active server that
// reports stats.
func (c *Coordinator) ConnectionStats() (*Stats, error) {
	servers, err := c.activeServers()
	if err != nil {
		return nil, err
	}
	stats := &Stats{LastUpdated: time.Now()}
	for i := range servers {
		driver := c.DriverForServer(&servers[i])
		if !driver.HasStats() {
			continue
		}
		peers, err := driver.Peers()
		if err != nil {
			c.log.Warnf("Skipping connection stats for server %v: %v", servers[i].Name, err)
			continue
		}
		for _, p := range peers {
			stats.TotalPeers++
			if isConnected(p.LastHandshake) {
				stats.ConnectedPeers++
			}
			stats.TotalBytesSent += p.BytesSent
			stats.TotalBytesReceived += p.BytesReceived
		}
	}
	stats.DisconnectedPeers = stats.TotalPeers - stats.ConnectedPeers
	return stats, nil
}

func (c *Coordinator) activeServers() ([]model.Server, error) {
	servers := []model.Server{}
	if err := c.db.Where("is_active").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// isUniqueViolation is like dbh.IsKeyViolation, but also recognizes the
// SQLite error text. dbh.IsKeyViolation only knows the Postgres message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return dbh.IsKeyViolation(err) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
