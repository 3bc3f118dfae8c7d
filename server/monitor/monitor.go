// Package monitor runs the background loops: usage sampling, stale tunnel
// cleanup, and periodic server health refreshes.
package monitor

import (
	"time"

	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/server/health"
	"github.com/wgfleet/wgfleet/server/model"
	"gorm.io/gorm"
)

// cleanupEveryNCycles is how many usage cycles pass between cleanup sweeps.
const cleanupEveryNCycles = 5

// Coordinator is the slice of tunnel.Coordinator that the monitor drives.
type Coordinator interface {
	SampleUsage() (int, error)
	CleanupSweep() (int, error)
}

type Monitor struct {
	ShutdownComplete chan bool // Closed when we have shutdown

	log      logs.Log
	db       *gorm.DB
	coord    Coordinator
	health   *health.Checker
	shutdown chan bool

	// CheckInterval is the pause between usage/cleanup cycles.
	CheckInterval time.Duration
	// HealthInterval is the pause between server health refreshes.
	HealthInterval time.Duration
	// CleanupEnabled turns the stale tunnel sweep on or off.
	CleanupEnabled bool
}

// NewMonitor creates the monitor. Call Start to kick off the loops.
func NewMonitor(log logs.Log, db *gorm.DB, coord Coordinator, healthChecker *health.Checker, shutdown chan bool) *Monitor {
	return &Monitor{
		ShutdownComplete: make(chan bool),
		log:              log,
		db:               db,
		coord:            coord,
		health:           healthChecker,
		shutdown:         shutdown,
		CheckInterval:    time.Minute,
		HealthInterval:   5 * time.Minute,
		CleanupEnabled:   true,
	}
}

func (m *Monitor) Start() {
	go m.run()
	m.log.Infof("Connection monitoring started (cycle %v, cleanup every %v cycles)", m.CheckInterval, cleanupEveryNCycles)
}

// run is the main loop. Errors in a cycle are logged and never fatal,
// because one broken server must not stop monitoring of the others.
func (m *Monitor) run() {
	usageTicker := time.NewTicker(m.CheckInterval)
	defer usageTicker.Stop()
	healthTicker := time.NewTicker(m.HealthInterval)
	defer healthTicker.Stop()

	cycle := 0
	for {
		select {
		case <-usageTicker.C:
			m.runCycle(cycle)
			cycle++
		case <-healthTicker.C:
			m.refreshHealth()
		case <-m.shutdown:
			close(m.ShutdownComplete)
			return
		}
	}
}

func (m *Monitor) runCycle(cycle int) {
	if n, err := m.coord.SampleUsage(); err != nil {
		m.log.Errorf("Usage sampling failed: %v", err)
	} else {
		m.log.Debugf("Sampled usage for %v peers", n)
	}
	if m.CleanupEnabled && cycle%cleanupEveryNCycles == 0 {
		if n, err := m.coord.CleanupSweep(); err != nil {
			m.log.Errorf("Cleanup sweep failed: %v", err)
		} else if n > 0 {
			m.log.Infof("Cleanup sweep destroyed %v tunnels", n)
		}
	}
}

// refreshHealth re-probes every active server, keeping the health cache warm
// so that tunnel creation rarely pays for a probe.
func (m *Monitor) refreshHealth() {
	servers := []model.Server{}
	if err := m.db.Where("is_active").Find(&servers).Error; err != nil {
		m.log.Errorf("Health refresh failed to list servers: %v", err)
		return
	}
	for i := range servers {
		status := m.health.Check(&servers[i])
		if !status.Healthy {
			m.log.Warnf("Server %v is unhealthy: %v", servers[i].Name, status.Error)
		}
	}
}
