package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

// NewRouter assembles the client-facing surface: synchronous generation
// submit, status polling, and health.
func NewRouter(app *handlers.App, logger zerolog.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(logger))

	r.Get("/healthz", app.Health)

	r.Route("/api/generations", func(r chi.Router) {
		r.Post("/", app.Generate)
		r.Get("/{jobID}", app.GenerationStatus)
	})

	return r
}
