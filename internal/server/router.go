package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/outbox"
	"github.com/sevigo/review-queue/internal/server/handler"
)

// NewRouter creates and configures a new HTTP router with middleware and API routes.
func NewRouter(enqueuer *outbox.Service, store core.Store, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		jobsHandler := handler.NewJobsHandler(enqueuer, store, logger)
		r.Post("/jobs", jobsHandler.Enqueue)
		r.Get("/jobs/{id}", jobsHandler.Status)
	})

	return r
}
