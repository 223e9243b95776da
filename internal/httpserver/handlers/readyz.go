package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready      bool                       `json:"ready"`
	Mode       string                     `json:"mode"`
	Components map[string]componentStatus `json:"components"`
}

// Readyz is ready once servers.yaml has been applied. A degraded Redis
// mirror is reported but does not fail the probe.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]componentStatus{
			"config": checkConfig(d),
			"redis":  checkMirror(r.Context(), d),
		}

		ready := components["config"].OK
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, readyzResponse{
			Ready:      ready,
			Mode:       determineMode(components),
			Components: components,
		})
	}
}
