package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/wgfleet/wgfleet/server/auth"
)

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	// protected creates an HTTP handler that is accessible only with authentication
	protected := func(method, route string, handle authenticatedHandler) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			cred := s.auth.AuthenticateRequest(w, r)
			if cred == nil {
				return
			}
			handle(w, r, params, cred)
		})
	}

	// admin is like protected, but also requires the admin flag
	admin := func(method, route string, handle authenticatedHandler) {
		protected(method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
			auth.PanicIfNotAdmin(cred)
			handle(w, r, params, cred)
		})
	}

	// ratelimited guards the unauthenticated endpoints that an attacker would hammer
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		// A unique rate limiter per endpoint, keyed by client IP
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	unprotected("GET", "/api/ping", s.httpPing)

	ratelimited("POST", "/api/auth/register", s.httpAuthRegister, 5, time.Minute)
	ratelimited("POST", "/api/auth/login", s.httpAuthLogin, 5, time.Minute)
	protected("POST", "/api/auth/logout", s.httpAuthLogout)
	protected("GET", "/api/auth/check", s.httpAuthCheck)

	protected("GET", "/api/servers", s.httpServersList)
	protected("GET", "/api/servers/:id", s.httpServersGet)
	protected("GET", "/api/servers/:id/health", s.httpServersHealth)
	admin("POST", "/api/servers", s.httpServersCreate)
	admin("POST", "/api/servers/create-from-panel", s.httpServersCreateFromPanel)
	admin("POST", "/api/servers/:id/test-connection", s.httpServersTestConnection)
	admin("DELETE", "/api/servers/:id", s.httpServersDelete)

	protected("GET", "/api/vpn/configs", s.httpVpnListConfigs)
	protected("POST", "/api/vpn/create", s.httpVpnCreate)
	protected("GET", "/api/vpn/config/:id/download", s.httpVpnDownload)
	protected("GET", "/api/vpn/config/:id/status", s.httpVpnStatus)
	protected("POST", "/api/vpn/config/:id/disconnect", s.httpVpnDisconnect)
	protected("DELETE", "/api/vpn/config/:id", s.httpVpnDelete)

	admin("GET", "/api/admin/users", s.httpAdminListUsers)
	admin("GET", "/api/admin/configs", s.httpAdminListConfigs)
	admin("DELETE", "/api/admin/user/:id/revoke", s.httpAdminRevokeUser)
	admin("POST", "/api/admin/user/:id/activate", s.httpAdminActivateUser)
	admin("GET", "/api/admin/usage", s.httpAdminUsage)
	admin("GET", "/api/admin/connection-stats", s.httpAdminConnectionStats)
	admin("POST", "/api/admin/sync-peer-stats", s.httpAdminSyncPeerStats)
	admin("POST", "/api/admin/cleanup-disconnected", s.httpAdminCleanup)
	admin("DELETE", "/api/admin/config/:id/force-delete", s.httpAdminForceDelete)
	admin("POST", "/api/admin/peer/disconnect", s.httpAdminDisconnectPeer)
	admin("GET", "/api/admin/server-health", s.httpAdminServerHealth)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
