package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/metrics"
)

// NewRouter builds the HTTP routing table for the file vault API.
func NewRouter(h *FileHandler, m *metrics.Metrics, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	// Clients may use trailing slashes or not; both resolve to the same
	// route.
	r.Use(chimiddleware.StripSlashes)
	r.Use(chimiddleware.Timeout(5 * time.Minute))
	r.Use(RequestLogger(logger))
	r.Use(RequestMetrics(m))

	r.Get("/health", h.Health)

	r.Route("/api/v1/files", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/", h.List)
		r.Post("/check_duplicate", h.CheckDuplicate)
		r.Get("/search", h.Search)
		r.Get("/storage_stats", h.StorageStats)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/download", h.Download)
		r.Delete("/{id}", h.Delete)
	})

	return r
}
