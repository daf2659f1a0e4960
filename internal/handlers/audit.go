package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/jumpterm/internal/audit"
)

// GetAuditLogs returns audit entries, newest first. Query parameters:
// target_id, session_id, event_type, username, since and until (RFC 3339),
// limit, offset.
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	a := audit.Get()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log not available")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
		Username:  q.Get("username"),
	}
	if v := q.Get("target_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid target_id")
			return
		}
		opts.TargetID = uint(id)
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name+": expected RFC 3339")
			return
		}
		*p.dst = &ts
	}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	result, err := a.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
