// Package wgdriver abstracts how peers are provisioned on a WireGuard server.
//
// Locally managed servers are driven with the wg tooling on this machine.
// Panel managed servers are driven through their wg-easy panel API.
package wgdriver

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/panel"
)

// RegisterRequest is everything a driver might need to add a peer.
// Local drivers use the key material. The panel driver ignores it, because
// wg-easy generates keys itself, and only the name matters.
type RegisterRequest struct {
	Name         string // Human readable peer name, eg the username
	PublicKey    string
	PresharedKey string
	AllowedIP    string // The peer's tunnel address, bare IP
}

// RegisterResult is what the driver learned while adding the peer.
// Panel registrations return the panel's own key material and address,
// which replace whatever the caller generated.
type RegisterResult struct {
	Handle     string // Driver-specific peer ID. Public key for local, client ID for panel.
	PublicKey  string // Empty if the caller's key was used unchanged
	Address    string // Empty if the caller's address was used unchanged
	ConfigText string // Rendered client config, if the driver produces one
}

// PeerStatus is a point-in-time view of one peer on the server.
type PeerStatus struct {
	Handle        string
	PublicKey     string
	Endpoint      string
	LastHandshake time.Time // Zero if the peer has never completed a handshake
	BytesReceived int64
	BytesSent     int64
}

type PeerDriver interface {
	RegisterPeer(req *RegisterRequest) (*RegisterResult, error)
	// RemovePeer removes the peer. A peer that is already absent is success.
	RemovePeer(handle, publicKey string) error
	Peers() ([]PeerStatus, error)
	HasPeer(publicKey string) (bool, error)
	// HasStats is false for drivers whose Peers() carries no transfer counters
	HasStats() bool
}

// Registry hands out drivers, holding on to one panel client per server so
// that the authenticated wg-easy session is reused across operations instead
// of paying a login per call.
type Registry struct {
	log logs.Log

	lock   sync.Mutex
	panels map[int64]*panelEntry
}

type panelEntry struct {
	url      string
	password string
	client   *panel.Client
}

func NewRegistry(log logs.Log) *Registry {
	return &Registry{
		log:    log,
		panels: map[int64]*panelEntry{},
	}
}

// ForServer picks the right driver for a server.
func (r *Registry) ForServer(server *model.Server) PeerDriver {
	if server.PanelManaged() {
		return NewPanelDriver(r.log, r.Panel(server))
	}
	return NewLocalDriver(r.log, server.Interface)
}

// Panel returns the shared panel client for a server, building a fresh one
// when the panel URL or password has changed.
func (r *Registry) Panel(server *model.Server) *panel.Client {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry := r.panels[server.ID]
	if entry == nil || entry.url != server.PanelURL || entry.password != server.PanelPassword {
		entry = &panelEntry{
			url:      server.PanelURL,
			password: server.PanelPassword,
			client:   panel.NewClient(r.log, server.PanelURL, server.PanelPassword),
		}
		r.panels[server.ID] = entry
	}
	return entry.client
}
