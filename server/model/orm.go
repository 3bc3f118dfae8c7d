package model

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type User struct {
	BaseModel
	Username  string      `json:"username"`
	Email     string      `json:"email" gorm:"default:null"`
	Password  string      `json:"-"`
	IsActive  bool        `json:"isActive"`
	IsAdmin   bool        `json:"isAdmin"`
	CreatedAt dbh.IntTime `json:"createdAt"`
}

type Session struct {
	// Key is the SHA256 of the session token, so that a DB leak does not leak live sessions.
	Key       string `gorm:"primaryKey"`
	UserID    int64
	CreatedAt dbh.IntTime
	ExpiresAt dbh.IntTime `gorm:"default:null"`
}

// Server is a WireGuard endpoint that we provision tunnels on.
// If PanelURL is set, the server is managed remotely through its wg-easy panel.
// Otherwise we manage it locally with the wg tooling.
type Server struct {
	BaseModel
	Name          string      `json:"name"`
	Endpoint      string      `json:"endpoint"` // Hostname or IP that clients connect to
	Port          int         `json:"port"`     // WireGuard UDP listen port
	Interface     string      `json:"interface" gorm:"default:null"` // Local interface name, eg wg0. Only for locally managed servers.
	PublicKey     string      `json:"publicKey"`
	Subnet        string      `json:"subnet"` // CIDR from which client addresses are allocated, eg 10.8.0.0/24
	DNS           string      `json:"dns" gorm:"default:null"`
	PanelURL      string      `json:"panelUrl" gorm:"default:null"`
	PanelPassword string      `json:"-" gorm:"default:null"`
	IsActive      bool        `json:"isActive"`
	CreatedAt     dbh.IntTime `json:"createdAt"`
}

// PanelManaged is true if tunnels on this server are provisioned through
// its wg-easy panel, instead of by running wg locally.
func (s *Server) PanelManaged() bool {
	return s.PanelURL != ""
}

// VPNConfig is a provisioned tunnel. At most one active config may exist
// per (user, server) pair. Deactivated configs are retained for usage history.
type VPNConfig struct {
	BaseModel
	UserID        int64       `json:"userId" gorm:"index"`
	ServerID      int64       `json:"serverId" gorm:"index"`
	PrivateKey    string      `json:"-"`
	PublicKey     string      `json:"publicKey"`
	PresharedKey  string      `json:"-"`
	IPAddress     string      `json:"ipAddress"` // Bare IP, without prefix length
	ConfigText    string      `json:"-"`         // Rendered client config file
	PanelClientID string      `json:"-" gorm:"default:null"` // Opaque client ID on the wg-easy panel, for panel-managed servers
	IsActive      bool        `json:"isActive"`
	CreatedAt     dbh.IntTime `json:"createdAt"`
	DeactivatedAt dbh.IntTime `json:"deactivatedAt" gorm:"default:null"`
}

// IPAllocation is one address from a server's subnet.
// Rows are created up-front when the pool is populated, and flipped
// between allocated/free as tunnels come and go.
type IPAllocation struct {
	BaseModel
	ServerID    int64  `json:"serverId" gorm:"index"`
	IPAddress   string `json:"ipAddress"`
	IsAllocated bool   `json:"isAllocated"`
	VPNConfigID int64  `json:"vpnConfigId" gorm:"default:null"` // Config holding this address, 0 if free
}

// UsageLog is a point-in-time sample of a tunnel's transfer counters.
type UsageLog struct {
	BaseModel
	VPNConfigID   int64       `json:"vpnConfigId" gorm:"index"`
	UserID        int64       `json:"userId"`
	ServerID      int64       `json:"serverId"`
	BytesSent     int64       `json:"bytesSent"`
	BytesReceived int64       `json:"bytesReceived"`
	LastHandshake dbh.IntTime `json:"lastHandshake" gorm:"default:null"`
	CreatedAt     dbh.IntTime `json:"createdAt"`
}
