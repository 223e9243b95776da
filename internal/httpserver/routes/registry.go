package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
)

type (
	Registrar  func(r chi.Router, d deps.Deps)
	Middleware = func(http.Handler) http.Handler
)

type entry struct {
	reg Registrar
	mws []Middleware
}

var (
	rootRegistry []entry // mounted at /
	apiRegistry  []entry // mounted under /api behind the API guards
)

// RegisterRoot registers routes served at the root (probes).
func RegisterRoot(reg Registrar, mws ...Middleware) {
	rootRegistry = append(rootRegistry, entry{reg: reg, mws: mws})
}

// Register a registrar under /api with optional per-route middlewares.
func Register(reg Registrar, mws ...Middleware) {
	apiRegistry = append(apiRegistry, entry{reg: reg, mws: mws})
}

// Called once from server.New(). guards wrap every /api route.
func RegisterAll(r chi.Router, d deps.Deps, guards ...Middleware) {
	mount(r, rootRegistry, d)

	r.Route("/api", func(api chi.Router) {
		api.Use(guards...)
		mount(api, apiRegistry, d)
	})
}

func mount(r chi.Router, entries []entry, d deps.Deps) {
	for _, e := range entries {
		if len(e.mws) == 0 {
			e.reg(r, d)
			continue
		}
		sub := r.With(e.mws...) // apply per-route middlewares
		e.reg(sub, d)
	}
}
