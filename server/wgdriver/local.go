package wgdriver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/pkg/shell"
)

const shellTimeout = 10 * time.Second

// LocalDriver manages peers on a WireGuard interface of this machine,
// by shelling out to wg and wg-quick.
type LocalDriver struct {
	log   logs.Log
	iface string
}

func NewLocalDriver(log logs.Log, iface string) *LocalDriver {
	if iface == "" {
		iface = "wg0"
	}
	return &LocalDriver{
		log:   log,
		iface: iface,
	}
}

func (d *LocalDriver) HasStats() bool {
	return true
}

func (d *LocalDriver) RegisterPeer(req *RegisterRequest) (*RegisterResult, error) {
	// The pre-shared key goes in via stdin so it never appears in the process list
	_, err := shell.RunStdin(shellTimeout, req.PresharedKey+"\n",
		"wg", "set", d.iface,
		"peer", req.PublicKey,
		"allowed-ips", req.AllowedIP+"/32",
		"preshared-key", "/dev/stdin")
	if err != nil {
		return nil, fmt.Errorf("failed to add peer to %v: %w", d.iface, err)
	}
	d.save()
	d.log.Infof("Added peer %v (%v) to %v", req.Name, req.AllowedIP, d.iface)
	return &RegisterResult{Handle: req.PublicKey}, nil
}

func (d *LocalDriver) RemovePeer(handle, publicKey string) error {
	if publicKey == "" {
		publicKey = handle
	}
	has, err := d.HasPeer(publicKey)
	if err != nil {
		return err
	}
	if !has {
		// Already gone. That is the state we want.
		return nil
	}
	if _, err := shell.RunTimeout(shellTimeout, "wg", "set", d.iface, "peer", publicKey, "remove"); err != nil {
		return fmt.Errorf("failed to remove peer from %v: %w", d.iface, err)
	}
	d.save()
	d.log.Infof("Removed peer %v from %v", publicKey, d.iface)
	return nil
}

func (d *LocalDriver) Peers() ([]PeerStatus, error) {
	out, err := shell.RunTimeout(shellTimeout, "wg", "show", d.iface, "dump")
	if err != nil {
		return nil, fmt.Errorf("wg show %v dump failed: %w", d.iface, err)
	}
	return parseDump(out)
}

func (d *LocalDriver) HasPeer(publicKey string) (bool, error) {
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

// save persists the runtime state to the interface config file, so peers
// survive an interface restart. Failure to save is not fatal, the peer is
// live either way.
func (d *LocalDriver) save() {
	if _, err := shell.RunTimeout(shellTimeout, "wg-quick", "save", d.iface); err != nil {
		d.log.Warnf("wg-quick save %v failed: %v", d.iface, err)
	}
}

// parseDump reads the output of 'wg show <iface> dump'.
// The first line is the interface itself. Each subsequent line is a peer:
// public-key, preshared-key, endpoint, allowed-ips, latest-handshake,
// transfer-rx, transfer-tx, persistent-keepalive, tab separated.
func parseDump(out string) ([]PeerStatus, error) {
	peers := []PeerStatus{}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return nil, fmt.Errorf("unexpected wg dump peer line: %q", line)
		}
		handshakeUnix, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid handshake time in wg dump: %q", fields[4])
		}
		rx, err1 := strconv.ParseInt(fields[5], 10, 64)
		tx, err2 := strconv.ParseInt(fields[6], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid transfer counters in wg dump: %q", line)
		}
		p := PeerStatus{
			Handle:        fields[0],
			PublicKey:     fields[0],
			BytesReceived: rx,
			BytesSent:     tx,
		}
		if fields[2] != "(none)" {
			p.Endpoint = fields[2]
		}
		if handshakeUnix != 0 {
			p.LastHandshake = time.Unix(handshakeUnix, 0)
		}
		peers = append(peers, p)
	}
	return peers, nil
}
