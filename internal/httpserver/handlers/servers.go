package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/autostartstop/internal/dispatch"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

type serversResponse struct {
	Servers []domain.Snapshot `json:"servers"`
	Count   int               `json:"count"`
}

type overrideResponse struct {
	Server string        `json:"server"`
	Action domain.Action `json:"action"`
	Status string        `json:"status"`
}

// ListServers returns every snapshot, sorted by ID.
func ListServers(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := d.Servers.Snapshots()
		if snaps == nil {
			snaps = []domain.Snapshot{}
		}
		writeJSON(w, http.StatusOK, serversResponse{Servers: snaps, Count: len(snaps)})
	}
}

// GetServer returns one snapshot.
func GetServer(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, ok := d.Servers.Snapshot(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown server: "+id)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// Override posts a manual start, stop or restart. The command runs asynchronously;
// poll GetServer for the outcome.
func Override(d deps.Deps, action domain.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := d.Servers.Manual(id, action)
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrUnknownServer):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, dispatch.ErrInvalidAction):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, dispatch.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		default:
			d.Logger.Error("manual override failed",
				logger.String("server", id),
				logger.String("action", string(action)),
				logger.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		d.Logger.Info("manual override accepted",
			logger.String("server", id),
			logger.String("action", string(action)),
			logger.String("remote_ip", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, overrideResponse{Server: id, Action: action, Status: "accepted"})
	}
}
