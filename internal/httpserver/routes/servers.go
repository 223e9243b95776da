package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/handlers"
)

func init() { Register(registerServers) }

func registerServers(r chi.Router, d deps.Deps) {
	r.Route("/servers", func(r chi.Router) {
		r.Get("/", handlers.ListServers(d))
		r.Get("/{id}", handlers.GetServer(d))
		r.Post("/{id}/start", handlers.Override(d, domain.ActionStart))
		r.Post("/{id}/stop", handlers.Override(d, domain.ActionStop))
		r.Post("/{id}/restart", handlers.Override(d, domain.ActionRestart))
	})
}
