package server

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/wgfleet/wgfleet/server/auth"
	"github.com/wgfleet/wgfleet/server/ippool"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/tunnel"
	"gorm.io/gorm"
)

func (s *Server) httpVpnListConfigs(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	configs := []model.VPNConfig{}
	www.Check(s.DB.Where("user_id = ? AND is_active", cred.UserID).Find(&configs).Error)
	www.SendJSON(w, configs)
}

type vpnCreateJSON struct {
	ServerID int64 `json:"serverId"`
}

func (s *Server) httpVpnCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	req := vpnCreateJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	user, err := s.auth.GetUser(cred)
	www.Check(err)

	cfg, err := s.coord.Create(user, req.ServerID)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrTunnelExists):
		www.Panic(http.StatusBadRequest, "User already has an active configuration for this server")
	case errors.Is(err, tunnel.ErrServerNotFound):
		www.Panic(http.StatusNotFound, "Server not found")
	case errors.Is(err, tunnel.ErrTooManyTunnels):
		www.Panic(http.StatusBadRequest, "Tunnel limit reached")
	case errors.Is(err, ippool.ErrNoCapacity):
		www.Panic(http.StatusConflict, "No available IP addresses for this server")
	case errors.Is(err, tunnel.ErrUpstreamUnavailable), errors.Is(err, tunnel.ErrVerificationFailed):
		www.PanicServerErrorf("%v", err)
	default:
		www.Check(err)
	}
	www.SendJSON(w, cfg)
}

// loadOwnConfig loads an active config, and panics 404 unless it belongs to
// the caller.
func (s *Server) loadOwnConfig(params httprouter.Params, cred *auth.Credentials) *model.VPNConfig {
	id := www.ParseID(params.ByName("id"))
	cfg := model.VPNConfig{}
	err := s.DB.Where("id = ? AND user_id = ? AND is_active", id, cred.UserID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	return &cfg
}

type vpnConfigFileJSON struct {
	ConfigText string `json:"configText"`
	QRCode     string `json:"qrCode"` // PNG as a base64 data URI
}

func (s *Server) httpVpnDownload(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	cfg := s.loadOwnConfig(params, cred)
	www.SendJSON(w, &vpnConfigFileJSON{
		ConfigText: cfg.ConfigText,
		QRCode:     s.qrForConfig(cfg),
	})
}

// qrForConfig prefers the panel's own QR for panel tunnels, because that is
// what the user sees in the wg-easy UI. Everything else gets a locally
// rendered PNG of the config text.
func (s *Server) qrForConfig(cfg *model.VPNConfig) string {
	if cfg.PanelClientID != "" {
		server := model.Server{}
		if err := s.DB.First(&server, cfg.ServerID).Error; err == nil && server.PanelManaged() {
			client := s.coord.PanelClient(&server)
			if svg, err := client.GetClientQR(cfg.PanelClientID); err == nil {
				return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
			} else {
				s.Log.Warnf("Failed to fetch QR from panel for config %v: %v", cfg.ID, err)
			}
		}
	}
	png, err := qrcode.Encode(cfg.ConfigText, qrcode.Medium, 256)
	if err != nil {
		s.Log.Errorf("Failed to render QR for config %v: %v", cfg.ID, err)
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func (s *Server) httpVpnStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	cfg := s.loadOwnConfig(params, cred)
	status, err := s.coord.Status(cfg.ID)
	if errors.Is(err, tunnel.ErrUpstreamUnavailable) {
		www.PanicServerErrorf("%v", err)
	}
	www.Check(err)
	www.SendJSON(w, status)
}

func (s *Server) httpVpnDisconnect(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	cfg := s.loadOwnConfig(params, cred)
	www.Check(s.coord.DestroyConfig(cfg))
	s.Log.Infof("User %v force disconnected tunnel %v", cred.UserID, cfg.ID)
	www.SendOK(w)
}

func (s *Server) httpVpnDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	cfg := s.loadOwnConfig(params, cred)
	www.Check(s.coord.DestroyConfig(cfg))
	s.Log.Infof("User %v deleted tunnel %v", cred.UserID, cfg.ID)
	www.SendOK(w)
}
