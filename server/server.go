package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
	"github.com/wgfleet/wgfleet/server/auth"
	"github.com/wgfleet/wgfleet/server/health"
	"github.com/wgfleet/wgfleet/server/monitor"
	"github.com/wgfleet/wgfleet/server/tunnel"
	"gorm.io/gorm"
)

type Server struct {
	Log logs.Log
	DB  *gorm.DB

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	auth       *auth.AuthServer
	coord      *tunnel.Coordinator
	health     *health.Checker
	monitor    *monitor.Monitor
	shutdown   chan bool
}

func NewServer(configFile string) (*Server, error) {
	cfg := Config{}
	if cfgB, err := os.ReadFile(configFile); err != nil {
		return nil, err
	} else {
		if err := json.Unmarshal(cfgB, &cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
		}
	}
	logger, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	db, err := openDB(logger, cfg.DB)
	if err != nil {
		return nil, err
	}

	healthChecker := health.NewChecker(logger)
	coord := tunnel.NewCoordinator(logger, db, healthChecker)
	coord.MaxTunnelsPerUser = cfg.VPN.MaxTunnelsPerUser
	coord.ClientDNS = cfg.VPN.DNS
	if err := coord.RestoreIndex(); err != nil {
		return nil, err
	}

	shutdown := make(chan bool)
	mon := monitor.NewMonitor(logger, db, coord, healthChecker, shutdown)
	if cfg.Monitor.CheckIntervalSeconds > 0 {
		mon.CheckInterval = time.Duration(cfg.Monitor.CheckIntervalSeconds) * time.Second
	}
	if cfg.Monitor.HealthIntervalSeconds > 0 {
		mon.HealthInterval = time.Duration(cfg.Monitor.HealthIntervalSeconds) * time.Second
	}
	mon.CleanupEnabled = !cfg.Monitor.DisableCleanup

	s := &Server{
		Log:      logger,
		DB:       db,
		auth:     auth.NewAuthServer(logger, db),
		coord:    coord,
		health:   healthChecker,
		monitor:  mon,
		shutdown: shutdown,
	}
	s.setupHttpRoutes()
	mon.Start()
	return s, nil
}

// port example: ":8000"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	signal.Stop(s.signalIn)
	close(s.signalIn)

	// Stop the background monitor
	close(s.shutdown)
	select {
	case <-s.monitor.ShutdownComplete:
	case <-time.After(10 * time.Second):
		s.Log.Warnf("Monitor did not shut down in time")
	}

	s.Log.Infof("Closing HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.Log.Close()
}
