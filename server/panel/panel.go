// Package panel is a client for the wg-easy management panel.
//
// wg-easy authenticates with a password and a session cookie. The cookie
// expires silently, so every request that comes back 401 triggers exactly
// one re-authentication followed by one retry.
package panel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

var (
	// ErrAuthFailed means the panel rejected our password.
	ErrAuthFailed = errors.New("wg-easy authentication failed")
	// ErrClientNotFound means the panel has no client with that ID.
	ErrClientNotFound = errors.New("wg-easy client not found")
)

// ClientRecord is a peer as the panel reports it.
type ClientRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

type Client struct {
	log      logs.Log
	baseURL  string
	password string
	http     *http.Client
}

func NewClient(log logs.Log, panelURL, password string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		log:      log,
		baseURL:  strings.TrimRight(panelURL, "/"),
		password: password,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
	}
}

// Authenticate creates a panel session. Callers don't usually need this,
// because do() authenticates on demand, but it's useful as a connectivity probe.
func (c *Client) Authenticate() error {
	body, _ := json.Marshal(map[string]string{"password": c.password})
	resp, err := c.http.Post(c.baseURL+"/api/session", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wg-easy session request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w (HTTP %v)", ErrAuthFailed, resp.StatusCode)
	}
	return nil
}

// do sends a request, re-authenticating once on a 401.
// The caller owns the response body.
func (c *Client) do(method, path string, body []byte) (*http.Response, error) {
	send := func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.http.Do(req)
	}
	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.log.Infof("wg-easy session expired, re-authenticating")
		if err := c.Authenticate(); err != nil {
			return nil, err
		}
		return send()
	}
	return resp, nil
}

// CreateClient creates a peer on the panel.
// The panel generates the keys itself, so all we send is a name. We append a
// timestamp and a random suffix to keep names unique, then resolve the new
// client's ID by listing.
func (c *Client) CreateClient(name string) (*ClientRecord, error) {
	uniqueName := fmt.Sprintf("%v_%v_%v", name, time.Now().Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	body, _ := json.Marshal(map[string]string{"name": uniqueName})
	resp, err := c.do("POST", "/api/wireguard/client", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wg-easy client creation failed: HTTP %v", resp.StatusCode)
	}
	clients, err := c.ListClients()
	if err != nil {
		return nil, fmt.Errorf("wg-easy client created, but listing it back failed: %w", err)
	}
	for i := range clients {
		if clients[i].Name == uniqueName {
			c.log.Infof("Created wg-easy client %v (%v)", uniqueName, clients[i].ID)
			return &clients[i], nil
		}
	}
	return nil, fmt.Errorf("wg-easy client '%v' created, but not present in client list", uniqueName)
}

func (c *Client) ListClients() ([]ClientRecord, error) {
	resp, err := c.do("GET", "/api/wireguard/client", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("wg-easy client list failed: HTTP %v", resp.StatusCode)
	}
	clients := []ClientRecord{}
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return nil, fmt.Errorf("wg-easy client list is not valid JSON: %w", err)
	}
	return clients, nil
}

func (c *Client) DeleteClient(clientID string) error {
	resp, err := c.do("DELETE", "/api/wireguard/client/"+clientID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		c.log.Infof("Deleted wg-easy client %v", clientID)
		return nil
	case http.StatusNotFound:
		return ErrClientNotFound
	default:
		return fmt.Errorf("wg-easy client deletion failed: HTTP %v", resp.StatusCode)
	}
}

// GetClientConfig fetches the rendered client config file.
func (c *Client) GetClientConfig(clientID string) (string, error) {
	text, err := c.getText("/api/wireguard/client/" + clientID + "/configuration")
	return text, err
}

// GetClientQR fetches the client config QR code as an SVG.
func (c *Client) GetClientQR(clientID string) (string, error) {
	return c.getText("/api/wireguard/client/" + clientID + "/qrcode")
}

func (c *Client) getText(path string) (string, error) {
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return string(raw), nil
	case http.StatusNotFound:
		return "", ErrClientNotFound
	default:
		return "", fmt.Errorf("wg-easy request %v failed: HTTP %v", path, resp.StatusCode)
	}
}

func (c *Client) EnableClient(clientID string) error {
	return c.postAction(clientID, "enable")
}

func (c *Client) DisableClient(clientID string) error {
	return c.postAction(clientID, "disable")
}

func (c *Client) postAction(clientID, action string) error {
	resp, err := c.do("POST", "/api/wireguard/client/"+clientID+"/"+action, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrClientNotFound
	default:
		return fmt.Errorf("wg-easy %v failed for client %v: HTTP %v", action, clientID, resp.StatusCode)
	}
}

// Ping is a cheap health probe: authenticate if needed, then list clients.
func (c *Client) Ping() error {
	_, err := c.ListClients()
	return err
}
