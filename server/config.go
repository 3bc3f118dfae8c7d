package server

import "github.com/cyclopcam/dbh"

type Config struct {
	DB      dbh.DBConfig  `json:"db"`
	VPN     VPNConfig     `json:"vpn"`
	Monitor MonitorConfig `json:"monitor"`
}

type VPNConfig struct {
	// DNS given to clients when a server doesn't specify its own. Default 1.1.1.1.
	DNS string `json:"dns"`
	// MaxTunnelsPerUser caps active tunnels per user across all servers. 0 is unlimited.
	MaxTunnelsPerUser int `json:"maxTunnelsPerUser"`
}

type MonitorConfig struct {
	// CheckIntervalSeconds is the pause between usage sampling cycles. Default 60.
	CheckIntervalSeconds int `json:"checkIntervalSeconds"`
	// HealthIntervalSeconds is the pause between server health refreshes. Default 300.
	HealthIntervalSeconds int `json:"healthIntervalSeconds"`
	// DisableCleanup turns off the automatic destruction of stale tunnels.
	DisableCleanup bool `json:"disableCleanup"`
}
