package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"github.com/wgfleet/wgfleet/pkg/wgkeys"
	"github.com/wgfleet/wgfleet/server/auth"
	"github.com/wgfleet/wgfleet/server/model"
	"github.com/wgfleet/wgfleet/server/panel"
	"gorm.io/gorm"
)

const defaultWireGuardPort = 51820
const defaultSubnet = "10.8.0.0/24"

func (s *Server) httpServersList(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	servers := []model.Server{}
	www.Check(s.DB.Where("is_active").Find(&servers).Error)
	www.SendJSON(w, servers)
}

func (s *Server) loadServer(params httprouter.Params) *model.Server {
	id := www.ParseID(params.ByName("id"))
	server := model.Server{}
	if err := s.DB.First(&server, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			www.PanicNotFound()
		}
		www.Check(err)
	}
	return &server
}

func (s *Server) httpServersGet(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	www.SendJSON(w, s.loadServer(params))
}

func (s *Server) httpServersHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	server := s.loadServer(params)
	_, status := s.health.IsHealthy(server)
	www.SendJSON(w, &status)
}

type serverCreateJSON struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	Port      int    `json:"port"`
	Interface string `json:"interface"`
	PublicKey string `json:"publicKey"`
	Subnet    string `json:"subnet"`
	DNS       string `json:"dns"`
}

func (s *Server) httpServersCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	req := serverCreateJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	if req.Name == "" || req.Endpoint == "" || req.PublicKey == "" {
		www.PanicBadRequestf("name, endpoint and publicKey are required")
	}
	if err := wgkeys.ValidateKey(req.PublicKey); err != nil {
		www.PanicBadRequestf("invalid publicKey: %v", err)
	}
	if req.Port == 0 {
		req.Port = defaultWireGuardPort
	}
	if req.Subnet == "" {
		req.Subnet = defaultSubnet
	}

	server := model.Server{
		Name:      req.Name,
		Endpoint:  req.Endpoint,
		Port:      req.Port,
		Interface: req.Interface,
		PublicKey: req.PublicKey,
		Subnet:    req.Subnet,
		DNS:       req.DNS,
		IsActive:  true,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	s.createServerWithPool(w, &server)
}

type serverCreateFromPanelJSON struct {
	Name     string `json:"name"`
	PanelURL string `json:"panelUrl"`
	Password string `json:"password"`
	Subnet   string `json:"subnet"`
}

// httpServersCreateFromPanel registers a wg-easy managed server. We verify
// that the panel is reachable and that the password works before saving it.
func (s *Server) httpServersCreateFromPanel(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	req := serverCreateFromPanelJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	if req.Name == "" || req.PanelURL == "" {
		www.PanicBadRequestf("name and panelUrl are required")
	}
	panelURL := strings.TrimRight(req.PanelURL, "/")
	if !strings.HasPrefix(panelURL, "http://") && !strings.HasPrefix(panelURL, "https://") {
		panelURL = "http://" + panelURL
	}
	parsed, err := url.Parse(panelURL)
	if err != nil || parsed.Hostname() == "" {
		www.PanicBadRequestf("invalid panelUrl")
	}

	client := panel.NewClient(s.Log, panelURL, req.Password)
	if err := client.Authenticate(); err != nil {
		www.PanicBadRequestf("Cannot connect to wg-easy panel: %v", err)
	}

	if req.Subnet == "" {
		req.Subnet = defaultSubnet
	}
	// wg-easy doesn't expose the server's public key through its API. Peers
	// provisioned through the panel carry the real key inside their config
	// text, so this generated one only backs the local render fallback.
	_, publicKey := wgkeys.GenerateKeypair()
	server := model.Server{
		Name:          req.Name,
		Endpoint:      parsed.Hostname(),
		Port:          defaultWireGuardPort,
		PublicKey:     publicKey,
		Subnet:        req.Subnet,
		PanelURL:      panelURL,
		PanelPassword: req.Password,
		IsActive:      true,
		CreatedAt:     dbh.MakeIntTime(time.Now()),
	}
	s.createServerWithPool(w, &server)
}

func (s *Server) createServerWithPool(w http.ResponseWriter, server *model.Server) {
	if err := s.DB.Create(server).Error; err != nil {
		if isUniqueViolation(err) {
			www.Panic(http.StatusConflict, "A server with that endpoint and port already exists")
		}
		www.Check(err)
	}
	if _, err := s.coord.Pool().Populate(server); err != nil {
		// A server without a pool can't hand out tunnels, so undo
		s.DB.Delete(server)
		www.PanicBadRequestf("Failed to populate IP pool: %v", err)
	}
	s.Log.Infof("Server '%v' created with ID %v", server.Name, server.ID)
	www.SendJSON(w, server)
}

func (s *Server) httpServersTestConnection(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	server := s.loadServer(params)
	s.health.Forget(server.ID)
	status := s.health.Check(server)
	www.SendJSON(w, &status)
}

// httpServersDelete deactivates a server. Servers with active tunnels are
// refused, destroy or wait out the tunnels first.
func (s *Server) httpServersDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	server := s.loadServer(params)
	activeConfigs := int64(0)
	www.Check(s.DB.Model(&model.VPNConfig{}).Where("server_id = ? AND is_active", server.ID).Count(&activeConfigs).Error)
	if activeConfigs > 0 {
		www.PanicBadRequestf("Cannot delete server with %v active VPN configurations", activeConfigs)
	}
	www.Check(s.DB.Model(server).Update("is_active", false).Error)
	s.Log.Infof("Server %v (%v) deactivated", server.ID, server.Name)
	www.SendOK(w)
}
