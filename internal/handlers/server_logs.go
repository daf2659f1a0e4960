package handlers

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/gluk-w/jumpterm/internal/logging"
)

var logTag = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// GetServerLogs returns the tail of the server log. ?lines= sets how many
// lines (default 200, max 5000) and ?tag= keeps only "[tag]" lines.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, 5000)
		}
	}
	tag := r.URL.Query().Get("tag")
	if tag != "" && !logTag.MatchString(tag) {
		writeError(w, http.StatusBadRequest, "Invalid log tag")
		return
	}

	content, err := logging.ReadTail(lines, tag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
