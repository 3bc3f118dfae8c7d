// Package wgconf renders and parses WireGuard client configuration files.
package wgconf

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Params is everything needed to render a client config file.
type Params struct {
	PrivateKey      string // Client private key
	Address         string // Client tunnel address, bare IP without prefix length
	DNS             string
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string // Server hostname or IP
	Port            int    // Server WireGuard UDP port
}

// Render produces the config file that the client imports.
// The output format is stable. Do not reorder or reformat the fields,
// because downstream tooling (and tests) compare these files byte for byte.
func Render(p *Params) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %v
Address = %v/24
DNS = %v

[Peer]
PublicKey = %v
PresharedKey = %v
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 25
Endpoint = %v:%v
`, p.PrivateKey, p.Address, p.DNS, p.ServerPublicKey, p.PresharedKey, p.Endpoint, p.Port)
}

// Parse reads a client config file back into Params.
// We use this to recover tunnel parameters from configs fetched off a
// wg-easy panel, which renders the same fields in its own order.
func Parse(text string) (*Params, error) {
	f, err := ini.Load([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	iface := f.Section("Interface")
	peer := f.Section("Peer")
	p := &Params{
		PrivateKey:      iface.Key("PrivateKey").String(),
		DNS:             firstListItem(iface.Key("DNS").String()),
		ServerPublicKey: peer.Key("PublicKey").String(),
		PresharedKey:    peer.Key("PresharedKey").String(),
	}
	addr := firstListItem(iface.Key("Address").String())
	if i := strings.IndexByte(addr, '/'); i != -1 {
		addr = addr[:i]
	}
	p.Address = addr

	endpoint := peer.Key("Endpoint").String()
	if endpoint != "" {
		host, portStr, err := net.SplitHostPort(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid Endpoint '%v': %w", endpoint, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid Endpoint port '%v': %w", portStr, err)
		}
		p.Endpoint = host
		p.Port = port
	}

	if p.PrivateKey == "" || p.Address == "" || p.ServerPublicKey == "" {
		return nil, fmt.Errorf("client config is missing required fields")
	}
	return p, nil
}

// Configs often carry comma separated lists (eg "10.8.0.2/24, fdcc::2/64").
// We only care about the first entry.
func firstListItem(s string) string {
	if i := strings.IndexByte(s, ','); i != -1 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
