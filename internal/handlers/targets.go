package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/crypto"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/logutil"
	"github.com/gluk-w/jumpterm/internal/middleware"
	"github.com/gluk-w/jumpterm/internal/sshterminal"
)

// ListTargets returns the targets the user may open sessions on.
func ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := database.ListTargets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list targets")
		return
	}
	result := make([]database.Target, 0, len(targets))
	for _, t := range targets {
		if middleware.CanAccessTarget(r, t.ID) {
			result = append(result, t)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateTarget adds or updates a target by name.
func CreateTarget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string `json:"name"`
		Host           string `json:"host"`
		Port           int    `json:"port"`
		Username       string `json:"username"`
		Password       string `json:"password"`
		PrivateKeyPath string `json:"private_key_path"`
		Shell          string `json:"shell"`
		AllowedIPs     string `json:"allowed_ips"`
		HostKey        string `json:"host_key_fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Name == "" || body.Host == "" || body.Username == "" {
		writeError(w, http.StatusBadRequest, "Name, host and username are required")
		return
	}
	if body.Password == "" && body.PrivateKeyPath == "" {
		writeError(w, http.StatusBadRequest, "A password or private_key_path is required")
		return
	}
	if body.Shell != "" {
		if err := sshterminal.ValidateShell(body.Shell); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := sshterminal.ValidateFingerprint(body.HostKey); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	allowed, err := sshterminal.NormalizeAllowList(body.AllowedIPs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Port == 0 {
		body.Port = 22
	}

	enc, err := crypto.Encrypt(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt password")
		return
	}
	// An empty fingerprint keeps a pin learned earlier.
	t := &database.Target{
		Name:               body.Name,
		Host:               body.Host,
		Port:               body.Port,
		Username:           body.Username,
		PasswordEnc:        enc,
		PrivateKeyPath:     body.PrivateKeyPath,
		Shell:              body.Shell,
		AllowedIPs:         allowed,
		HostKeyFingerprint: body.HostKey,
	}
	if err := database.UpsertTarget(t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save target")
		return
	}
	log.Printf("[targets] saved target %q (%s@%s:%d)", logutil.SanitizeForLog(t.Name),
		logutil.SanitizeForLog(t.Username), logutil.SanitizeForLog(t.Host), t.Port)
	audit.LogTargetSaved(username(r), t.ID, t.Name)
	writeJSON(w, http.StatusCreated, t)
}

// AssignTarget grants a user access to a target.
func AssignTarget(w http.ResponseWriter, r *http.Request) {
	targetID, ok := uintParam(r, "targetId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid target ID")
		return
	}
	var body struct {
		UserID uint `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if _, err := database.GetTarget(targetID); err != nil {
		writeError(w, http.StatusNotFound, "Target not found")
		return
	}
	if _, err := database.GetUserByID(body.UserID); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err := database.AssignTarget(body.UserID, targetID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to assign target")
		return
	}
	audit.LogTargetAssigned(username(r), targetID, body.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetTargetHostKey replaces the pinned host key of a target. An empty
// fingerprint clears the pin so the next connect learns the key again.
func SetTargetHostKey(w http.ResponseWriter, r *http.Request) {
	targetID, ok := uintParam(r, "targetId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid target ID")
		return
	}
	var body struct {
		Fingerprint string `json:"host_key_fingerprint"`
	}
	if r.Method != http.MethodDelete {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Fingerprint == "" {
			writeError(w, http.StatusBadRequest, "host_key_fingerprint is required")
			return
		}
		if err := sshterminal.ValidateFingerprint(body.Fingerprint); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	target, err := database.GetTarget(targetID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Target not found")
		return
	}
	if err := database.SetHostKey(target.ID, body.Fingerprint); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update host key")
		return
	}
	audit.LogHostKey(audit.EventHostKeyReset, username(r), target.ID, target.Name, body.Fingerprint)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "host_key_fingerprint": body.Fingerprint})
}

// sshTarget resolves the stored credentials of t. A target without a pinned
// host key gets the first key it presents pinned.
func sshTarget(t *database.Target) (sshterminal.Target, error) {
	st := sshterminal.Target{
		Name:               t.Name,
		Host:               t.Host,
		Port:               t.Port,
		User:               t.Username,
		Shell:              t.Shell,
		HostKeyFingerprint: t.HostKeyFingerprint,
	}
	if t.HostKeyFingerprint == "" {
		id, name := t.ID, t.Name
		st.OnHostKey = func(fp string) {
			pinned, err := database.PinHostKey(id, fp)
			if err != nil {
				log.Printf("[targets] pin host key for target %d: %v", id, err)
				return
			}
			if pinned {
				log.Printf("[targets] pinned host key %s for %q", fp, logutil.SanitizeForLog(name))
				audit.LogHostKey(audit.EventHostKeyPinned, "", id, name, fp)
			}
		}
	}
	if t.PasswordEnc != "" {
		pw, err := crypto.Decrypt(t.PasswordEnc)
		if err != nil {
			return st, fmt.Errorf("decrypt password for target %d: %w", t.ID, err)
		}
		st.Password = pw
	}
	if t.PrivateKeyPath != "" {
		key, err := os.ReadFile(t.PrivateKeyPath)
		if err != nil {
			return st, fmt.Errorf("read private key for target %d: %w", t.ID, err)
		}
		st.PrivateKey = key
	}
	return st, nil
}
