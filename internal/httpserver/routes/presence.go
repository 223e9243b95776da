package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/handlers"
)

func init() { Register(registerPresence) }

func registerPresence(r chi.Router, d deps.Deps) {
	r.Post("/presence/connect", handlers.PresenceConnect(d))
	r.Post("/presence/disconnect", handlers.PresenceDisconnect(d))
	r.Post("/presence/switch", handlers.PresenceSwitch(d))
}
