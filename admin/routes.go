package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/telemetry"
)

// NewRouter builds the HTTP API
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Metrics stay outside authentication for scrapers
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.authToken))

		r.Get("/stats", h.handleStats)
		r.Get("/sinks", h.handleSinks)

		// Cluster-wide change stream
		r.Get("/watch", h.handleWatch)

		r.Route("/cursors", func(r chi.Router) {
			r.Get("/", h.handleListCursors)
			r.Delete("/{id}", h.handleKillCursor)
		})

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", h.handleListCollections)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.handleGetCollection)
				r.Post("/", h.handleCreateCollection)
				r.Delete("/", h.handleDropCollection)
				r.Post("/collmod", h.handleCollMod)

				r.Get("/watch", h.handleWatch)
				r.Get("/preimages/{token}", h.handleGetPreImage)

				r.Route("/documents", func(r chi.Router) {
					r.Get("/", h.handleFind)
					r.Post("/", h.handleInsert)
					r.Get("/{id}", h.handleFindOne)
					r.Put("/{id}", h.handleReplace)
					r.Patch("/{id}", h.handlePatch)
					r.Delete("/{id}", h.handleDelete)
				})
			})
		})
	})

	log.Info().Bool("auth", h.authToken != "").Msg("HTTP API routes registered")
	return r
}
