package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/pipeline"
)

// App bundles the dependencies the HTTP surface needs. Routing,
// authentication, and static serving live outside the pipeline core; the
// handlers here are thin wrappers over the orchestrator.
type App struct {
	Orchestrator *pipeline.Orchestrator
	Logger       zerolog.Logger
}

// NewApp wires the handler set.
func NewApp(orchestrator *pipeline.Orchestrator, logger zerolog.Logger) *App {
	return &App{Orchestrator: orchestrator, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]string{"error": message})
}

// ownerID resolves the authenticated owner. Authentication itself is an
// upstream concern; by the time a request lands here the gateway has set the
// header.
func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}
