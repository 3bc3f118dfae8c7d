// Package auth authenticates API requests, with either a session cookie or
// HTTP basic auth. Session tokens are stored hashed, so a leaked DB does not
// leak live sessions.
package auth

import (
	"net/http"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/wgfleet/wgfleet/pkg/pwdhash"
	"github.com/wgfleet/wgfleet/pkg/rando"
	"github.com/wgfleet/wgfleet/server/model"
	"gorm.io/gorm"
)

// SessionCookieName is the cookie that carries the session token.
const SessionCookieName = "session"

const sessionLifetime = 30 * 24 * time.Hour

type Credentials struct {
	UserID  int64
	IsAdmin bool
	// SessionKeyHash is set if this request was authenticated via session
	// cookie. It is pwdhash.HashSessionTokenBase64(cookie value).
	SessionKeyHash string
}

type AuthServer struct {
	db  *gorm.DB
	log logs.Log
}

func NewAuthServer(log logs.Log, db *gorm.DB) *AuthServer {
	return &AuthServer{
		db:  db,
		log: log,
	}
}

// AuthenticateRequest authorizes a request, or sends a 401 and returns nil.
// Inactive users are refused even with a valid session.
func (a *AuthServer) AuthenticateRequest(w http.ResponseWriter, r *http.Request) *Credentials {
	if cookie, _ := r.Cookie(SessionCookieName); cookie != nil {
		keyHash := pwdhash.HashSessionTokenBase64(cookie.Value)
		session := model.Session{}
		a.db.Where("key = ?", keyHash).First(&session)
		if session.UserID != 0 && (session.ExpiresAt.IsZero() || time.Now().Before(session.ExpiresAt.Get())) {
			if user := a.activeUser(session.UserID); user != nil {
				return &Credentials{
					UserID:         user.ID,
					IsAdmin:        user.IsAdmin,
					SessionKeyHash: keyHash,
				}
			}
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		user := model.User{}
		a.db.Where("username = ?", username).First(&user)
		if user.ID != 0 && user.IsActive && pwdhash.VerifyHashBase64(password, user.Password) {
			return &Credentials{
				UserID:  user.ID,
				IsAdmin: user.IsAdmin,
			}
		}
	}
	www.SendError(w, "Unauthorized", http.StatusUnauthorized)
	return nil
}

func (a *AuthServer) activeUser(userID int64) *model.User {
	user := model.User{}
	a.db.First(&user, userID)
	if user.ID == 0 || !user.IsActive {
		return nil
	}
	return &user
}

// Login verifies the credentials in the request and issues a session cookie.
func (a *AuthServer) Login(w http.ResponseWriter, r *http.Request) {
	cred := a.AuthenticateRequest(w, r)
	if cred == nil {
		return
	}
	if cred.SessionKeyHash != "" {
		// Already logged in
		www.SendOK(w)
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(sessionLifetime)
	token := rando.StrongRandomAlphaNumChars(30)
	session := model.Session{
		Key:       pwdhash.HashSessionTokenBase64(token),
		UserID:    cred.UserID,
		CreatedAt: dbh.MakeIntTime(now),
		ExpiresAt: dbh.MakeIntTime(expiresAt),
	}
	if err := a.db.Create(&session).Error; err != nil {
		a.log.Errorf("Error creating session: %v", err)
		www.SendError(w, "Error creating session", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
	})
	www.SendOK(w)
}

// Logout deletes the calling session.
func (a *AuthServer) Logout(w http.ResponseWriter, r *http.Request, cred *Credentials) {
	if cred.SessionKeyHash != "" {
		if err := a.db.Where("key = ?", cred.SessionKeyHash).Delete(&model.Session{}).Error; err != nil {
			a.log.Errorf("Error deleting session: %v", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:    SessionCookieName,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	www.SendOK(w)
}

// EraseSessions deletes every session of a user, eg after deactivation.
func (a *AuthServer) EraseSessions(userID int64) error {
	return a.db.Where("user_id = ?", userID).Delete(&model.Session{}).Error
}

func (a *AuthServer) SetPassword(userID int64, password string) error {
	return a.db.Model(&model.User{}).Where("id = ?", userID).Update("password", pwdhash.HashPasswordBase64(password)).Error
}

// GetUser loads the user behind a set of credentials.
func (a *AuthServer) GetUser(cred *Credentials) (*model.User, error) {
	user := model.User{}
	if err := a.db.First(&user, cred.UserID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// PanicIfNotAdmin sends a 403 via panic if the caller is not an admin.
func PanicIfNotAdmin(cred *Credentials) {
	if !cred.IsAdmin {
		www.PanicForbidden()
	}
}
