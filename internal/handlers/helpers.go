package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/jumpterm/internal/metrics"
	"github.com/gluk-w/jumpterm/internal/middleware"
)

// Metrics is set from main.go during init. Nil disables instrumentation.
var Metrics *metrics.Metrics

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func observe(fn func(m *metrics.Metrics)) {
	if Metrics != nil {
		fn(Metrics)
	}
}

func uintParam(r *http.Request, name string) (uint, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// clientIP is the request's remote host. chimw.RealIP has already applied
// X-Forwarded-For when the router uses it.
// username is the authenticated user's name, or "".
func username(r *http.Request) string {
	if u := middleware.GetUser(r); u != nil {
		return u.Username
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
