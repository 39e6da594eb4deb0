package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/garnizeh/trainflow/internal/metrics"
)

// RegisterRoutes registers all HTTP routes and applies the global middleware
// chain: RequestID -> Logger -> CORS -> API key.
func (s *Server) RegisterRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(cors)
	r.Use(s.apiKeyMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method("GET", "/metrics", metrics.Handler())

	r.Route("/training", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/jobs/{id}/pause", s.handlePauseJob)
		r.Post("/jobs/{id}/resume", s.handleResumeJob)
		r.Get("/scheduler", s.handleSchedulerSnapshot)

		// Worker-facing lease surface.
		r.Post("/jobs/{id}/lease", s.handleLease)
		r.Post("/jobs/{id}/progress", s.handleProgress)
		r.Post("/jobs/{id}/complete", s.handleComplete)
		r.Post("/jobs/{id}/fail", s.handleFail)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Post("/{id}/heartbeat", s.handleWorkerHeartbeat)
		r.Post("/{id}/claim", s.handleWorkerClaim)
		r.Get("/{id}/jobs", s.handleWorkerJobs)
	})
}
