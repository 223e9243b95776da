package handlers

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
)

type componentStatus struct {
	OK            bool   `json:"ok"`
	ServersLoaded *int   `json:"servers_loaded,omitempty"`
	LastReload    string `json:"last_reload,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Impact        string `json:"impact,omitempty"`
	Error         string `json:"error,omitempty"`
}

// checkConfig reports whether servers.yaml has been applied at least once.
func checkConfig(d deps.Deps) componentStatus {
	if d.Reload == nil {
		return componentStatus{OK: false, Error: "reloader not initialized"}
	}

	status := d.Reload.Status()
	loaded := status.Servers
	lastReload := "never"
	if !status.LastSuccess.IsZero() {
		lastReload = status.LastSuccess.Format("2006-01-02 15:04:05")
	}

	return componentStatus{
		OK:            !status.LastSuccess.IsZero(),
		ServersLoaded: &loaded,
		LastReload:    lastReload,
		Error:         status.LastError,
	}
}

// checkMirror pings Redis. The mirror is optional and never blocks readiness.
func checkMirror(ctx context.Context, d deps.Deps) componentStatus {
	if d.Mirror == nil {
		return componentStatus{
			OK:     true,
			Mode:   "disabled",
			Impact: "snapshot-mirror-disabled",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.Mirror.Ping(ctx); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "snapshot-mirror-stale",
			Error:  err.Error(),
		}
	}

	return componentStatus{
		OK:     true,
		Mode:   "optimal",
		Impact: "snapshot-mirror-enabled",
	}
}

func determineMode(components map[string]componentStatus) string {
	if cfg, exists := components["config"]; exists && !cfg.OK {
		return "critical"
	}
	if mirror, exists := components["redis"]; exists && !mirror.OK {
		return "degraded"
	}
	return "operational"
}
