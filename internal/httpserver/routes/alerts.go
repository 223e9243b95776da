package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/handlers"
)

func init() { Register(registerAlerts) }

func registerAlerts(r chi.Router, d deps.Deps) {
	r.Get("/alerts", handlers.Alerts(d))
}
