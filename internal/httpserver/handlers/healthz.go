package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
)

type healthzResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ManagedServers int     `json:"managed_servers"`
	Version        string  `json:"version,omitempty"`
	Commit         string  `json:"commit,omitempty"`
	BuildDate      string  `json:"build_date,omitempty"`
	GoVersion      string  `json:"go_version,omitempty"`
}

func Healthz(d deps.Deps) http.HandlerFunc {
	start := d.StartTime
	return func(w http.ResponseWriter, r *http.Request) {
		managed := 0
		if d.Servers != nil {
			managed = d.Servers.Len()
		}
		writeJSON(w, http.StatusOK, healthzResponse{
			Status:         "ok",
			ManagedServers: managed,
			Version:        d.Version,
			Commit:         d.Commit,
			BuildDate:      d.BuildDate,
			GoVersion:      d.GoVersion,
			UptimeSeconds:  d.Now().Sub(start).Seconds(),
		})
	}
}
