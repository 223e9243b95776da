package handlers

import (
	"net/http"
	"strconv"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 200
)

type alertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

// Alerts lists the most recent alerts from the Redis mirror.
func Alerts(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Mirror == nil {
			writeError(w, http.StatusServiceUnavailable, "alert mirror disabled")
			return
		}

		limit := defaultAlertLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxAlertLimit)
		}

		alerts, err := d.Mirror.RecentAlerts(r.Context(), int64(limit))
		if err != nil {
			d.Logger.Warn("failed to read alerts", logger.Error(err))
			writeError(w, http.StatusBadGateway, "failed to read alerts")
			return
		}
		if alerts == nil {
			alerts = []domain.Alert{}
		}
		writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Count: len(alerts)})
	}
}
