package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"github.com/wgfleet/wgfleet/pkg/pwdhash"
	"github.com/wgfleet/wgfleet/server/auth"
	"github.com/wgfleet/wgfleet/server/model"
)

type registerJSON struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) httpAuthRegister(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req := registerJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" {
		www.PanicBadRequestf("username may not be empty")
	}
	if len(req.Password) < 8 {
		www.PanicBadRequestf("password must be at least 8 characters")
	}

	if req.Email != "" {
		existing := int64(0)
		www.Check(s.DB.Model(&model.User{}).Where("email = ?", req.Email).Count(&existing).Error)
		if existing != 0 {
			www.Panic(http.StatusConflict, "Email already registered")
		}
	}

	user := model.User{
		Username:  req.Username,
		Email:     req.Email,
		Password:  pwdhash.HashPasswordBase64(req.Password),
		IsActive:  true,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	if err := s.DB.Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			www.Panic(http.StatusConflict, "Username already exists")
		}
		www.Check(err)
	}
	s.Log.Infof("New user registered: %v", user.Username)
	www.SendJSON(w, &user)
}

func (s *Server) httpAuthLogin(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.auth.Login(w, r)
}

func (s *Server) httpAuthLogout(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	s.auth.Logout(w, r, cred)
}

func (s *Server) httpAuthCheck(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	user, err := s.auth.GetUser(cred)
	www.Check(err)
	www.SendJSON(w, user)
}
