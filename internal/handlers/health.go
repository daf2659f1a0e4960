package handlers

import (
	"net/http"

	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/sessionmon"
)

// Monitor is set from main.go during init.
var Monitor *sessionmon.Monitor

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if SessionMgr != nil {
		resp["live_sessions"] = SessionMgr.ActiveCount()
	}
	if Monitor != nil {
		resp["session_monitor"] = Monitor.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
