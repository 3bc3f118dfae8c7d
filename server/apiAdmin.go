package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"github.com/wgfleet/wgfleet/server/auth"
	"github.com/wgfleet/wgfleet/server/health"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/tunnel"
	"gorm.io/gorm"
)

func (s *Server) httpAdminListUsers(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	users := []model.User{}
	www.Check(s.DB.Find(&users).Error)
	www.SendJSON(w, users)
}

func (s *Server) httpAdminListConfigs(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	configs := []model.VPNConfig{}
	www.Check(s.DB.Where("is_active").Find(&configs).Error)
	www.SendJSON(w, configs)
}

func (s *Server) loadUser(params httprouter.Params) *model.User {
	id := www.ParseID(params.ByName("id"))
	user := model.User{}
	if err := s.DB.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			www.PanicNotFound()
		}
		www.Check(err)
	}
	return &user
}

// httpAdminRevokeUser deactivates a user and destroys all their tunnels.
// Tunnels that fail to destroy are logged and skipped, the user is
// deactivated regardless.
func (s *Server) httpAdminRevokeUser(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	user := s.loadUser(params)

	configs := []model.VPNConfig{}
	www.Check(s.DB.Where("user_id = ? AND is_active", user.ID).Find(&configs).Error)
	revoked := 0
	for i := range configs {
		if err := s.coord.DestroyConfig(&configs[i]); err != nil {
			s.Log.Warnf("Failed to revoke config %v: %v", configs[i].ID, err)
		} else {
			revoked++
		}
	}

	www.Check(s.DB.Model(user).Update("is_active", false).Error)
	www.Check(s.auth.EraseSessions(user.ID))
	s.Log.Infof("Revoked access for user %v, %v tunnels removed", user.Username, revoked)
	www.SendJSON(w, map[string]any{
		"message": fmt.Sprintf("Revoked access for user %v. %v tunnels removed.", user.Username, revoked),
	})
}

func (s *Server) httpAdminActivateUser(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	user := s.loadUser(params)
	www.Check(s.DB.Model(user).Update("is_active", true).Error)
	s.Log.Infof("Activated user %v", user.Username)
	www.SendOK(w)
}

func (s *Server) httpAdminUsage(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	logs := []model.UsageLog{}
	www.Check(s.DB.Order("id DESC").Limit(100).Find(&logs).Error)
	www.SendJSON(w, logs)
}

func (s *Server) httpAdminConnectionStats(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	stats, err := s.coord.ConnectionStats()
	www.Check(err)
	www.SendJSON(w, stats)
}

func (s *Server) httpAdminSyncPeerStats(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	n, err := s.coord.SampleUsage()
	www.Check(err)
	www.SendJSON(w, map[string]any{
		"message": fmt.Sprintf("Synced stats for %v peers", n),
	})
}

func (s *Server) httpAdminCleanup(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	n, err := s.coord.CleanupSweep()
	www.Check(err)
	www.SendJSON(w, map[string]any{
		"message": fmt.Sprintf("Cleaned up %v disconnected tunnels", n),
	})
}

// httpAdminForceDelete destroys any user's tunnel by config ID.
func (s *Server) httpAdminForceDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	id := www.ParseID(params.ByName("id"))
	err := s.coord.Destroy(id)
	if errors.Is(err, tunnel.ErrTunnelNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	s.Log.Infof("Admin %v force deleted tunnel %v", cred.UserID, id)
	www.SendOK(w)
}

type disconnectPeerJSON struct {
	PublicKey string `json:"publicKey"`
}

// httpAdminDisconnectPeer destroys whichever active tunnel owns the given
// public key. Useful when a peer shows up in wg output but the config ID
// isn't at hand.
func (s *Server) httpAdminDisconnectPeer(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	req := disconnectPeerJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	if req.PublicKey == "" {
		www.PanicBadRequestf("publicKey is required")
	}
	err := s.coord.ForceDisconnect(req.PublicKey)
	if errors.Is(err, tunnel.ErrTunnelNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	s.Log.Infof("Admin %v disconnected peer %v", cred.UserID, req.PublicKey)
	www.SendOK(w)
}

type serverHealthJSON struct {
	ServerID int64         `json:"serverId"`
	Name     string        `json:"name"`
	Health   health.Status `json:"health"`
}

func (s *Server) httpAdminServerHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	servers := []model.Server{}
	www.Check(s.DB.Where("is_active").Find(&servers).Error)
	out := []serverHealthJSON{}
	for i := range servers {
		_, status := s.health.IsHealthy(&servers[i])
		out = append(out, serverHealthJSON{
			ServerID: servers[i].ID,
			Name:     servers[i].Name,
			Health:   status,
		})
	}
	www.SendJSON(w, out)
}
