package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

type reloadResponse struct {
	Status string `json:"status"`
}

// Reload triggers a manual reload of servers.yaml
func Reload(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case d.ReloadTrigger <- struct{}{}:
			d.Logger.Info("manual servers reload triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusAccepted, reloadResponse{Status: "reload triggered"})
		default:
			d.Logger.Warn("servers reload already in progress",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusTooManyRequests, reloadResponse{Status: "reload already in progress"})
		}
	}
}

// ReloadStatus reports the outcome of the last reload.
func ReloadStatus(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Reload == nil {
			writeError(w, http.StatusServiceUnavailable, "reloader not initialized")
			return
		}
		writeJSON(w, http.StatusOK, d.Reload.Status())
	}
}
