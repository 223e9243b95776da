package handlers

import (
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// presenceRequest is posted by the proxy plugin. Switch uses From/To,
// connect and disconnect use Server.
type presenceRequest struct {
	Server string `json:"server,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Player string `json:"player"`
}

func (p *presenceRequest) trim() {
	p.Server = strings.TrimSpace(p.Server)
	p.From = strings.TrimSpace(p.From)
	p.To = strings.TrimSpace(p.To)
	p.Player = strings.TrimSpace(p.Player)
}

func readPresence(w http.ResponseWriter, r *http.Request) (presenceRequest, bool) {
	var req presenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return req, false
	}
	req.trim()
	if req.Player == "" {
		writeError(w, http.StatusBadRequest, "player is required")
		return req, false
	}
	return req, true
}

func managed(d deps.Deps, id string) bool {
	_, ok := d.Servers.Snapshot(id)
	return ok
}

// PresenceConnect records a player joining a managed server.
func PresenceConnect(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readPresence(w, r)
		if !ok {
			return
		}
		if req.Server == "" {
			writeError(w, http.StatusBadRequest, "server is required")
			return
		}
		if !managed(d, req.Server) {
			writeError(w, http.StatusNotFound, "unknown server: "+req.Server)
			return
		}

		d.Presence.OnPlayerConnect(req.Server, req.Player)
		d.Logger.Debug("player connected",
			logger.String("server", req.Server),
			logger.String("player", req.Player))
		w.WriteHeader(http.StatusNoContent)
	}
}

// PresenceDisconnect records a player leaving a managed server.
func PresenceDisconnect(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readPresence(w, r)
		if !ok {
			return
		}
		if req.Server == "" {
			writeError(w, http.StatusBadRequest, "server is required")
			return
		}
		if !managed(d, req.Server) {
			writeError(w, http.StatusNotFound, "unknown server: "+req.Server)
			return
		}

		d.Presence.OnPlayerDisconnect(req.Server, req.Player)
		d.Logger.Debug("player disconnected",
			logger.String("server", req.Server),
			logger.String("player", req.Player))
		w.WriteHeader(http.StatusNoContent)
	}
}

// PresenceSwitch moves a player between servers. Either side may be a server
// that is not managed (e.g. a hub); it is then left out of the update.
func PresenceSwitch(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readPresence(w, r)
		if !ok {
			return
		}

		from, to := req.From, req.To
		if from != "" && !managed(d, from) {
			from = ""
		}
		if to != "" && !managed(d, to) {
			to = ""
		}
		if from == "" && to == "" {
			writeError(w, http.StatusNotFound, "neither from nor to is a managed server")
			return
		}

		d.Presence.OnPlayerSwitch(from, to, req.Player)
		d.Logger.Debug("player switched",
			logger.String("from", req.From),
			logger.String("to", req.To),
			logger.String("player", req.Player))
		w.WriteHeader(http.StatusNoContent)
	}
}
