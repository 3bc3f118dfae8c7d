package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/wgfleet/wgfleet/pkg/wgkeys"
	"github.com/wgfleet/wgfleet/server/auth"
	"github.com/wgfleet/wgfleet/server/health"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/tunnel"
	"github.com/wgfleet/wgfleet/server/wgdriver"
)

// memDriver is an in-memory PeerDriver, so the API tests never shell out to wg.
type memDriver struct {
	peers map[string]wgdriver.PeerStatus
}

func newMemDriver() *memDriver {
	return &memDriver{peers: map[string]wgdriver.PeerStatus{}}
}

func (d *memDriver) HasStats() bool { return true }

func (d *memDriver) RegisterPeer(req *wgdriver.RegisterRequest) (*wgdriver.RegisterResult, error) {
	d.peers[req.PublicKey] = wgdriver.PeerStatus{Handle: req.PublicKey, PublicKey: req.PublicKey}
	return &wgdriver.RegisterResult{Handle: req.PublicKey}, nil
}

func (d *memDriver) RemovePeer(handle, publicKey string) error {
	delete(d.peers, handle)
	return nil
}

func (d *memDriver) Peers() ([]wgdriver.PeerStatus, error) {
	out := []wgdriver.PeerStatus{}
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out, nil
}

func (d *memDriver) HasPeer(publicKey string) (bool, error) {
	_, ok := d.peers[publicKey]
	return ok, nil
}

type harness struct {
	server *Server
	ts     *httptest.Server
	driver *memDriver
}

func newTestServer(t *testing.T) *harness {
	dbFile := fmt.Sprintf("test-server-%v.sqlite", t.Name())
	os.Remove(dbFile)
	log := logs.NewTestingLog(t)
	db, err := openDB(log, dbh.MakeSqliteConfig(dbFile))
	require.NoError(t, err)

	healthChecker := health.NewChecker(log)
	coord := tunnel.NewCoordinator(log, db, healthChecker)
	driver := newMemDriver()
	coord.DriverForServer = func(server *model.Server) wgdriver.PeerDriver {
		return driver
	}

	s := &Server{
		Log:    log,
		DB:     db,
		auth:   auth.NewAuthServer(log, db),
		coord:  coord,
		health: healthChecker,
	}
	s.setupHttpRoutes()

	// Known admin password for the tests
	require.NoError(t, s.auth.SetPassword(1, "admin-password"))

	ts := httptest.NewServer(s.httpRouter)
	t.Cleanup(ts.Close)
	return &harness{server: s, ts: ts, driver: driver}
}

// client is an HTTP client with a cookie jar, so it holds a login session.
func (h *harness) client() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Jar: jar}
}

func (h *harness) do(t *testing.T, client *http.Client, method, path string, body any, expectStatus int, out any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectStatus, resp.StatusCode, "%v %v: %v", method, path, string(raw))
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func (h *harness) login(t *testing.T, client *http.Client, username, password string) {
	req, err := http.NewRequest("POST", h.ts.URL+"/api/auth/login", nil)
	require.NoError(t, err)
	req.SetBasicAuth(username, password)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (h *harness) register(t *testing.T, client *http.Client, username, password string) model.User {
	user := model.User{}
	h.do(t, client, "POST", "/api/auth/register", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": password,
	}, http.StatusOK, &user)
	return user
}

func (h *harness) createServer(t *testing.T, admin *http.Client, subnet string) model.Server {
	_, publicKey := wgkeys.GenerateKeypair()
	srv := model.Server{}
	h.do(t, admin, "POST", "/api/servers", map[string]any{
		"name":      "test-server",
		"endpoint":  "127.0.0.1",
		"port":      51820,
		"publicKey": publicKey,
		"subnet":    subnet,
	}, http.StatusOK, &srv)
	return srv
}

func TestAdminSeeded(t *testing.T) {
	h := newTestServer(t)
	admin := model.User{}
	require.NoError(t, h.server.DB.Where("username = ?", "admin").First(&admin).Error)
	require.True(t, admin.IsAdmin)
	require.True(t, admin.IsActive)
}

func TestAuthFlow(t *testing.T) {
	h := newTestServer(t)
	client := h.client()

	user := h.register(t, client, "alice", "very-secret-pw")
	require.Equal(t, "alice", user.Username)
	require.False(t, user.IsAdmin)

	// Duplicate username is a conflict
	h.do(t, client, "POST", "/api/auth/register", map[string]string{
		"username": "alice", "password": "very-secret-pw",
	}, http.StatusConflict, nil)

	// No session yet
	h.do(t, client, "GET", "/api/auth/check", nil, http.StatusUnauthorized, nil)

	h.login(t, client, "alice", "very-secret-pw")
	me := model.User{}
	h.do(t, client, "GET", "/api/auth/check", nil, http.StatusOK, &me)
	require.Equal(t, user.ID, me.ID)

	h.do(t, client, "POST", "/api/auth/logout", nil, http.StatusOK, nil)
	h.do(t, client, "GET", "/api/auth/check", nil, http.StatusUnauthorized, nil)
}

func TestRegisterRateLimit(t *testing.T) {
	h := newTestServer(t)
	client := h.client()
	for i := 0; i < 5; i++ {
		h.register(t, client, fmt.Sprintf("user%v", i), "very-secret-pw")
	}
	h.do(t, client, "POST", "/api/auth/register", map[string]string{
		"username": "user5", "password": "very-secret-pw",
	}, http.StatusTooManyRequests, nil)
}

func TestServerAdminOnly(t *testing.T) {
	h := newTestServer(t)
	client := h.client()
	h.register(t, client, "bob", "very-secret-pw")
	h.login(t, client, "bob", "very-secret-pw")

	// Ordinary users cannot create servers
	h.do(t, client, "POST", "/api/servers", map[string]any{
		"name": "x", "endpoint": "127.0.0.1", "publicKey": "bogus",
	}, http.StatusForbidden, nil)
}

func TestVpnFlow(t *testing.T) {
	h := newTestServer(t)

	admin := h.client()
	h.login(t, admin, "admin", "admin-password")
	srv := h.createServer(t, admin, "10.8.0.0/28")
	require.NotZero(t, srv.ID)

	user := h.client()
	h.register(t, user, "carol", "very-secret-pw")
	h.login(t, user, "carol", "very-secret-pw")

	// The server is visible to the user
	servers := []model.Server{}
	h.do(t, user, "GET", "/api/servers", nil, http.StatusOK, &servers)
	require.Len(t, servers, 1)

	// Create a tunnel
	cfg := model.VPNConfig{}
	h.do(t, user, "POST", "/api/vpn/create", map[string]any{"serverId": srv.ID}, http.StatusOK, &cfg)
	require.True(t, cfg.IsActive)
	require.NotEmpty(t, cfg.PublicKey)

	// A second tunnel on the same server is refused
	h.do(t, user, "POST", "/api/vpn/create", map[string]any{"serverId": srv.ID}, http.StatusBadRequest, nil)

	// List, download, status
	configs := []model.VPNConfig{}
	h.do(t, user, "GET", "/api/vpn/configs", nil, http.StatusOK, &configs)
	require.Len(t, configs, 1)

	download := map[string]string{}
	h.do(t, user, "GET", fmt.Sprintf("/api/vpn/config/%v/download", cfg.ID), nil, http.StatusOK, &download)
	require.Contains(t, download["configText"], "[Interface]")
	require.Contains(t, download["qrCode"], "data:image/png;base64,")

	status := tunnel.ConnectionStatus{}
	h.do(t, user, "GET", fmt.Sprintf("/api/vpn/config/%v/status", cfg.ID), nil, http.StatusOK, &status)
	require.False(t, status.IsConnected)

	// Another user cannot see or delete this tunnel
	other := h.client()
	h.register(t, other, "mallory", "very-secret-pw")
	h.login(t, other, "mallory", "very-secret-pw")
	h.do(t, other, "GET", fmt.Sprintf("/api/vpn/config/%v/download", cfg.ID), nil, http.StatusNotFound, nil)
	h.do(t, other, "DELETE", fmt.Sprintf("/api/vpn/config/%v", cfg.ID), nil, http.StatusNotFound, nil)

	// Delete
	h.do(t, user, "DELETE", fmt.Sprintf("/api/vpn/config/%v", cfg.ID), nil, http.StatusOK, nil)
	h.do(t, user, "GET", "/api/vpn/configs", nil, http.StatusOK, &configs)
	require.Empty(t, configs)
}

func TestAdminOps(t *testing.T) {
	h := newTestServer(t)
	admin := h.client()
	h.login(t, admin, "admin", "admin-password")
	srv := h.createServer(t, admin, "10.8.0.0/28")

	user := h.client()
	registered := h.register(t, user, "dave", "very-secret-pw")
	h.login(t, user, "dave", "very-secret-pw")
	cfg := model.VPNConfig{}
	h.do(t, user, "POST", "/api/vpn/create", map[string]any{"serverId": srv.ID}, http.StatusOK, &cfg)

	users := []model.User{}
	h.do(t, admin, "GET", "/api/admin/users", nil, http.StatusOK, &users)
	require.Len(t, users, 2) // admin + dave

	configs := []model.VPNConfig{}
	h.do(t, admin, "GET", "/api/admin/configs", nil, http.StatusOK, &configs)
	require.Len(t, configs, 1)

	stats := tunnel.Stats{}
	h.do(t, admin, "GET", "/api/admin/connection-stats", nil, http.StatusOK, &stats)
	require.Equal(t, 1, stats.TotalPeers)

	// Revoking dave destroys his tunnel, deactivates him and kills his session
	h.do(t, admin, "DELETE", fmt.Sprintf("/api/admin/user/%v/revoke", registered.ID), nil, http.StatusOK, nil)
	h.do(t, user, "GET", "/api/vpn/configs", nil, http.StatusUnauthorized, nil)

	fresh := model.VPNConfig{}
	require.NoError(t, h.server.DB.First(&fresh, cfg.ID).Error)
	require.False(t, fresh.IsActive)

	// Reactivate
	h.do(t, admin, "POST", fmt.Sprintf("/api/admin/user/%v/activate", registered.ID), nil, http.StatusOK, nil)
	h.login(t, user, "dave", "very-secret-pw")
	h.do(t, user, "GET", "/api/vpn/configs", nil, http.StatusOK, &configs)

	// Server deletion is refused while tunnels are active
	cfg2 := model.VPNConfig{}
	h.do(t, user, "POST", "/api/vpn/create", map[string]any{"serverId": srv.ID}, http.StatusOK, &cfg2)
	h.do(t, admin, "DELETE", fmt.Sprintf("/api/servers/%v", srv.ID), nil, http.StatusBadRequest, nil)

	// Force delete
	h.do(t, admin, "DELETE", fmt.Sprintf("/api/admin/config/%v/force-delete", cfg2.ID), nil, http.StatusOK, nil)

	// Disconnect a peer by public key
	cfg3 := model.VPNConfig{}
	h.do(t, user, "POST", "/api/vpn/create", map[string]any{"serverId": srv.ID}, http.StatusOK, &cfg3)
	h.do(t, admin, "POST", "/api/admin/peer/disconnect", map[string]string{"publicKey": "bogus="}, http.StatusNotFound, nil)
	h.do(t, admin, "POST", "/api/admin/peer/disconnect", map[string]string{"publicKey": cfg3.PublicKey}, http.StatusOK, nil)

	// With no tunnels left, server deletion succeeds
	h.do(t, admin, "DELETE", fmt.Sprintf("/api/servers/%v", srv.ID), nil, http.StatusOK, nil)
}

func TestCreateServerFromPanel(t *testing.T) {
	h := newTestServer(t)
	panelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" && r.URL.Path == "/api/session" {
			login := map[string]string{}
			json.NewDecoder(r.Body).Decode(&login)
			if login["password"] != "panel-pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer panelSrv.Close()

	admin := h.client()
	h.login(t, admin, "admin", "admin-password")

	// A wrong panel password is refused before anything is saved
	h.do(t, admin, "POST", "/api/servers/create-from-panel", map[string]string{
		"name": "panel-server", "panelUrl": panelSrv.URL, "password": "wrong",
	}, http.StatusBadRequest, nil)

	srv := model.Server{}
	h.do(t, admin, "POST", "/api/servers/create-from-panel", map[string]string{
		"name": "panel-server", "panelUrl": panelSrv.URL, "password": "panel-pw",
	}, http.StatusOK, &srv)
	require.Equal(t, "127.0.0.1", srv.Endpoint)
	require.Equal(t, panelSrv.URL, srv.PanelURL)
	// The panel doesn't expose the server key, so one is generated
	require.NotEmpty(t, srv.PublicKey)
	require.NoError(t, wgkeys.ValidateKey(srv.PublicKey))
}

func TestPing(t *testing.T) {
	h := newTestServer(t)
	resp, err := http.Get(h.ts.URL + "/api/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// openDB must be idempotent: a second open over the same file runs no
// migrations and seeds no second admin.
func TestReopenDB(t *testing.T) {
	dbFile := "test-server-reopen.sqlite"
	os.Remove(dbFile)
	log := logs.NewTestingLog(t)
	db, err := openDB(log, dbh.MakeSqliteConfig(dbFile))
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	time.Sleep(10 * time.Millisecond)
	db2, err := openDB(log, dbh.MakeSqliteConfig(dbFile))
	require.NoError(t, err)
	nAdmins := int64(0)
	require.NoError(t, db2.Model(&model.User{}).Where("username = ?", "admin").Count(&nAdmins).Error)
	require.Equal(t, int64(1), nAdmins)
}
