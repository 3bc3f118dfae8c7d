package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/wgfleet/wgfleet/server/health"
)

type countingCoordinator struct {
	lock     sync.Mutex
	samples  int
	cleanups int
}

func (c *countingCoordinator) SampleUsage() (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.samples++
	return 0, nil
}

func (c *countingCoordinator) CleanupSweep() (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cleanups++
	return 0, nil
}

func (c *countingCoordinator) counts() (int, int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.samples, c.cleanups
}

func TestMonitorCycles(t *testing.T) {
	coord := &countingCoordinator{}
	shutdown := make(chan bool)
	m := NewMonitor(logs.NewTestingLog(t), nil, coord, health.NewChecker(logs.NewTestingLog(t)), shutdown)
	m.CheckInterval = 10 * time.Millisecond
	m.HealthInterval = time.Hour
	m.Start()

	// Wait for at least cleanupEveryNCycles+1 usage cycles
	deadline := time.Now().Add(5 * time.Second)
	for {
		samples, _ := coord.counts()
		if samples > cleanupEveryNCycles {
			break
		}
		require.True(t, time.Now().Before(deadline), "monitor cycles never ran")
		time.Sleep(5 * time.Millisecond)
	}

	close(shutdown)
	select {
	case <-m.ShutdownComplete:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not shut down")
	}

	samples, cleanups := coord.counts()
	require.Greater(t, samples, cleanupEveryNCycles)
	// Cleanup runs on cycle 0, 5, 10, ...
	require.GreaterOrEqual(t, cleanups, 1)
	require.Less(t, cleanups, samples)
}

func TestMonitorCleanupDisabled(t *testing.T) {
	coord := &countingCoordinator{}
	shutdown := make(chan bool)
	m := NewMonitor(logs.NewTestingLog(t), nil, coord, health.NewChecker(logs.NewTestingLog(t)), shutdown)
	m.CheckInterval = 10 * time.Millisecond
	m.HealthInterval = time.Hour
	m.CleanupEnabled = false
	m.Start()

	deadline := time.Now().Add(5 * time.Second)
	for {
		samples, _ := coord.counts()
		if samples >= 2 {
			break
		}
		require.True(t, time.Now().Before(deadline), "monitor cycles never ran")
		time.Sleep(5 * time.Millisecond)
	}

	close(shutdown)
	<-m.ShutdownComplete

	_, cleanups := coord.counts()
	require.Zero(t, cleanups)
}
