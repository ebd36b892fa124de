// Package ingestapi is the thin chi-routed HTTP binding over
// internal/engine: bulk ingest, verify, sync-status, editor-config
// validation, and graph registry listing/registration. Chunking and
// throttling policy for bulk sync belongs to the caller; this package
// only exposes the entry points and maps engine errors to status codes.
package ingestapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/kenaz/internal/engine"
)

// NewRouter builds the ingestion API router. authEnabled/token configure
// Bearer authentication on every route except the health checks.
func NewRouter(eng *engine.Engine, authEnabled bool, token string) chi.Router {
	h := NewHandler(eng)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		r.Route("/api/graphs", func(r chi.Router) {
			r.Get("/", h.ListGraphs)
			r.Post("/", h.RegisterGraph)

			r.Route("/{selector}", func(r chi.Router) {
				r.Post("/ingest", h.IngestBatch)
				r.Post("/verify", h.Verify)
				r.Get("/sync-status", h.SyncStatus)
				r.Post("/sync-status/touch", h.TouchSync)
				r.Post("/editor-config/validate", h.ValidateEditorConfig)
			})
		})
	})

	return r
}
