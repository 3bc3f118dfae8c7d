package wgdriver

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/server/panel"
	"github.com/wgfleet/wgfleet/server/wgconf"
)

// PanelDriver provisions peers through a wg-easy panel.
// The panel generates key material itself, so RegisterPeer returns the
// panel's keys and address, and the caller must adopt them.
type PanelDriver struct {
	log    logs.Log
	client *panel.Client
}

func NewPanelDriver(log logs.Log, client *panel.Client) *PanelDriver {
	return &PanelDriver{
		log:    log,
		client: client,
	}
}

func (d *PanelDriver) HasStats() bool {
	return false
}

func (d *PanelDriver) RegisterPeer(req *RegisterRequest) (*RegisterResult, error) {
	created, err := d.client.CreateClient(req.Name)
	if err != nil {
		return nil, err
	}
	configText, err := d.client.GetClientConfig(created.ID)
	if err != nil {
		// Without the config the tunnel is useless to the user, so undo
		if delErr := d.client.DeleteClient(created.ID); delErr != nil && !errors.Is(delErr, panel.ErrClientNotFound) {
			d.log.Errorf("Failed to delete orphaned wg-easy client %v: %v", created.ID, delErr)
		}
		return nil, fmt.Errorf("failed to fetch config for wg-easy client %v: %w", created.ID, err)
	}
	result := &RegisterResult{
		Handle:     created.ID,
		PublicKey:  created.PublicKey,
		Address:    created.Address,
		ConfigText: configText,
	}
	if result.Address == "" {
		// Some panel versions omit the address in the client record
		if params, err := wgconf.Parse(configText); err == nil {
			result.Address = params.Address
		}
	}
	return result, nil
}

func (d *PanelDriver) RemovePeer(handle, publicKey string) error {
	err := d.client.DeleteClient(handle)
	if errors.Is(err, panel.ErrClientNotFound) {
		// Already gone. That is the state we want.
		return nil
	}
	return err
}

func (d *PanelDriver) Peers() ([]PeerStatus, error) {
	clients, err := d.client.ListClients()
	if err != nil {
		return nil, err
	}
	peers := make([]PeerStatus, 0, len(clients))
	for _, c := range clients {
		peers = append(peers, PeerStatus{
			Handle:    c.ID,
			PublicKey: c.PublicKey,
		})
	}
	return peers, nil
}

func (d *PanelDriver) HasPeer(publicKey string) (bool, error) {
	peers, err := d.Peers()
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.PublicKey == publicKey {
			return true, nil
		}
	}
	return false, nil
}
