package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/auth"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/logutil"
	"github.com/gluk-w/jumpterm/internal/middleware"
)

// TokenStore is set from main.go during init.
var TokenStore *auth.TokenStore

type userResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Login exchanges a username and password for an API token.
func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := database.GetUserByUsername(body.Username)
	if err != nil || !auth.CheckPassword(body.Password, user.PasswordHash) {
		log.Printf("[auth] failed login for %q from %s", logutil.SanitizeForLog(body.Username), clientIP(r))
		audit.LogLogin(body.Username, clientIP(r), false)
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := TokenStore.Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	audit.LogLogin(user.Username, clientIP(r), true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(TokenStore.TTL().Seconds()),
		"user":       userResponse{ID: user.ID, Username: user.Username, Role: user.Role},
	})
}

func Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFromRequest(r); token != "" {
		TokenStore.Delete(token)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Username: user.Username, Role: user.Role})
}
