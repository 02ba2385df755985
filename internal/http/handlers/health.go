package handlers

import (
	"net/http"
)

// Health reports process liveness. Readiness of the external model providers
// is not probed here; their failures surface per-job through the pipeline's
// soft-degrade and fallback paths.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "generation-api",
	})
}
