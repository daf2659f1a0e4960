package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/logutil"
	"github.com/gluk-w/jumpterm/internal/metrics"
	"github.com/gluk-w/jumpterm/internal/middleware"
	"github.com/gluk-w/jumpterm/internal/sshterminal"
	"github.com/gluk-w/jumpterm/internal/termframe"
)

// SessionMgr is set from main.go during init.
var SessionMgr *sshterminal.SessionManager

// wsReadLimit is above the relay's per-message input limit so oversized
// messages reach the relay and are rejected there instead of closing the
// connection.
const wsReadLimit = 1024 * 1024

// wsFrameConn adapts a websocket connection to sshterminal.FrameConn. A clean
// close by the client reads as io.EOF.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsFrameConn) Write(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, p)
}

func querySize(r *http.Request) (uint16, uint16) {
	cols, _ := strconv.ParseUint(r.URL.Query().Get("cols"), 10, 16)
	rows, _ := strconv.ParseUint(r.URL.Query().Get("rows"), 10, 16)
	return uint16(cols), uint16(rows)
}

// TerminalWS opens a shell on a target and relays it over a websocket.
//
// The session id is returned in the handshake response header so the client
// can send heartbeats and later fetch the recording. Optional cols and rows
// query parameters set the initial terminal size.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	targetID, ok := uintParam(r, "targetId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid target ID")
		return
	}
	if !middleware.CanAccessTarget(r, targetID) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	target, err := database.GetTarget(targetID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Target not found")
		return
	}
	user := middleware.GetUser(r)
	if err := sshterminal.CheckIPAllowed(clientIP(r), target.AllowedIPs); err != nil {
		log.Printf("[terminal] target %d: %v", target.ID, err)
		audit.LogConnectionRefused(audit.EventIPRestricted, user.Username, target.ID, target.Name, clientIP(r), err.Error())
		writeError(w, http.StatusForbidden, "Client address not allowed for this target")
		return
	}
	st, err := sshTarget(target)
	if err != nil {
		log.Printf("[terminal] target %d credentials: %v", target.ID, err)
		writeError(w, http.StatusInternalServerError, "Target credentials unavailable")
		return
	}

	rec, err := database.CreateSession(user.ID, target.ID, clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	cols, rows := querySize(r)
	ms, err := SessionMgr.Start(r.Context(), sshterminal.StartOptions{
		ID:       rec.ID,
		UserID:   user.ID,
		TargetID: target.ID,
		Target:   st,
		Cols:     cols,
		Rows:     rows,
	})
	if err != nil {
		log.Printf("[terminal] session %s: start on %q: %v", rec.ID, logutil.SanitizeForLog(target.Name), err)
		database.CloseSession(rec.ID, database.SessionError, err.Error())
		observe(func(m *metrics.Metrics) { m.SessionsEnded.WithLabelValues(database.SessionError).Inc() })
		event, status, detail := audit.EventConnectionFailed, http.StatusBadGateway, "Failed to connect to target"
		var mismatch *sshterminal.HostKeyMismatchError
		switch {
		case errors.Is(err, sshterminal.ErrDialLimited):
			event, status, detail = audit.EventDialLimited, http.StatusTooManyRequests, "Too many connection attempts to target"
		case errors.As(err, &mismatch):
			event, detail = audit.EventHostKeyMismatch, "Target host key does not match the pinned key"
		}
		audit.LogConnectionRefused(event, user.Username, target.ID, target.Name, clientIP(r), err.Error())
		writeError(w, status, detail)
		return
	}
	if err := database.MarkSessionActive(rec.ID, ms.RecordingPath); err != nil {
		log.Printf("[terminal] session %s: mark active: %v", rec.ID, err)
	}

	w.Header().Set(termframe.SessionHeader, rec.ID)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] session %s: accept websocket: %v", rec.ID, err)
		ms.Close()
		database.CloseSession(rec.ID, database.SessionError, "websocket handshake failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	log.Printf("[terminal] session %s opened by %q on %q", rec.ID,
		logutil.SanitizeForLog(user.Username), logutil.SanitizeForLog(target.Name))
	audit.LogSessionStart(rec.ID, user.Username, target.ID, target.Name, clientIP(r))
	hooks := sshterminal.RelayHooks{}
	observe(func(m *metrics.Metrics) {
		m.SessionsStarted.Inc()
		m.SessionsLive.Inc()
		hooks = m.RelayHooks()
	})

	started := time.Now()
	limiter := sshterminal.NewRateLimiter(sshterminal.MessageRateLimit, sshterminal.MessageRateBurst, nil)
	relayErr := ms.Relay(r.Context(), &wsFrameConn{conn: conn}, limiter, hooks)

	state, msg := database.SessionClosed, ""
	if relayErr != nil && !errors.Is(relayErr, io.EOF) && !errors.Is(relayErr, context.Canceled) {
		state, msg = database.SessionError, relayErr.Error()
	}

	// A session already ended by the monitor or an explicit close keeps its
	// recorded outcome.
	wasLive := true
	if cur, err := database.GetSession(rec.ID); err == nil {
		wasLive = cur.Live()
	}
	// Metrics settle before the row closes, so a closed row implies them.
	observe(func(m *metrics.Metrics) {
		m.SessionsLive.Dec()
		m.SessionDuration.Observe(time.Since(started).Seconds())
		if wasLive {
			m.SessionsEnded.WithLabelValues(state).Inc()
		}
	})
	if err := database.CloseSession(rec.ID, state, msg); err != nil {
		log.Printf("[terminal] session %s: close: %v", rec.ID, err)
	}
	audit.LogSessionEnd(rec.ID, user.Username, target.ID, target.Name, state, time.Since(started).Milliseconds())
	log.Printf("[terminal] session %s ended after %s (%s)", rec.ID, time.Since(started).Round(time.Second), state)

	conn.Close(websocket.StatusNormalClosure, "")
}
