package handlers

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/metrics"
	"github.com/gluk-w/jumpterm/internal/middleware"
	"github.com/gluk-w/jumpterm/internal/replay"
	"github.com/gluk-w/jumpterm/internal/sshterminal"
)

type sessionResponse struct {
	database.TerminalSession
	HasRecording bool `json:"has_recording"`
	Attached     bool `json:"attached"`
}

func toSessionResponse(s database.TerminalSession) sessionResponse {
	resp := sessionResponse{TerminalSession: s, HasRecording: s.RecordingPath != ""}
	if SessionMgr != nil && SessionMgr.Get(s.ID) != nil {
		resp.Attached = true
	}
	return resp
}

// lookupSession loads the session named in the URL and checks access. It
// writes the error response and returns nil on failure.
func lookupSession(w http.ResponseWriter, r *http.Request) *database.TerminalSession {
	s, err := database.GetSession(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil
	}
	if !middleware.CanAccessSession(r, s) {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil
	}
	return s
}

// ListSessions returns the user's sessions, newest first. Admins see every
// user's sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	userID := user.ID
	if middleware.IsAdmin(r) {
		userID = 0
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := database.ListSessions(userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	result := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, result)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(*s))
}

// CloseSession ends a live session and its relay.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	wasLive := s.Live()
	if err := database.CloseSession(s.ID, database.SessionClosed, "closed by user"); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to close session")
		return
	}
	if SessionMgr != nil {
		if err := SessionMgr.Close(s.ID); err != nil && !errors.Is(err, sshterminal.ErrSessionNotFound) {
			log.Printf("[sessions] close relay %s: %v", s.ID, err)
		}
	}
	if wasLive {
		observe(func(m *metrics.Metrics) { m.SessionsEnded.WithLabelValues(database.SessionClosed).Inc() })
		audit.LogSessionClosed(s.ID, username(r), s.TargetID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// SessionHeartbeat keeps a live session from being swept. It answers 404 for
// unknown or ended sessions and 403 for sessions of another user.
func SessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	count := func(result string) {
		observe(func(m *metrics.Metrics) { m.Heartbeats.WithLabelValues(result).Inc() })
	}

	s, err := database.GetSession(chi.URLParam(r, "sessionId"))
	if err != nil {
		count("not_found")
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !middleware.CanAccessSession(r, s) {
		count("forbidden")
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if err := database.TouchHeartbeat(s.ID, time.Now()); err != nil {
		if errors.Is(err, database.ErrSessionNotLive) {
			count("not_found")
			writeError(w, http.StatusNotFound, "Session has ended")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to record heartbeat")
		return
	}
	count("ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetRecording serves the asciicast recording of a session.
func GetRecording(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	if s.RecordingPath == "" {
		writeError(w, http.StatusNotFound, replay.NoRecordingDetail)
		return
	}
	f, err := os.Open(s.RecordingPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, replay.NoRecordingDetail)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to open recording")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open recording")
		return
	}

	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", `attachment; filename="`+s.ID+`.cast"`)
	http.ServeContent(w, r, s.ID+".cast", info.ModTime(), f)
}

// ActiveSessions reports how many sessions are live in the database and how
// many relays this process is running.
func ActiveSessions(w http.ResponseWriter, r *http.Request) {
	count, err := database.CountLiveSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count sessions")
		return
	}
	relays := 0
	if SessionMgr != nil {
		relays = SessionMgr.ActiveCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": count, "relays": relays})
}

// ReplayInfo tells a player whether the session has a recording to fetch.
func ReplayInfo(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	has := false
	if s.RecordingPath != "" {
		if _, err := os.Stat(s.RecordingPath); err == nil {
			has = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":       toSessionResponse(*s),
		"has_recording": has,
	})
}
