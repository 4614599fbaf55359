/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/events/*        Ingest, one route per writer class
  /api/agencies/*      Per-agency reads and admin
  /api/reviews/*       Review queue resolution
  /api/metrics         Metric definition
  /api/bindings        Form->version bindings
  /api/transactions/*  Late policy-number attachment

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Ingest routes, one per writer class
		r.Route("/events", func(r chi.Router) {
			r.Post("/manual", h.ManualAdd)
			r.Post("/submissions", h.Submission)
			r.Post("/sync", h.SyncEvent)
			r.Post("/sync/batch", h.SyncBatch)
		})

		// Per-agency reads and admin
		r.Route("/agencies/{agencyID}", func(r chi.Router) {
			r.Get("/people/{personID}/aggregates", h.GetAggregateRange)
			r.Get("/people/{personID}/aggregates/{date}", h.GetAggregate)

			r.Get("/households/timeline", h.GetTimeline)
			r.Delete("/households/{id}", h.DeleteHousehold)

			r.Get("/reviews", h.ListReviews)

			r.Get("/metrics", h.ListMetrics)
			r.Post("/metrics/{slug}/relabel", h.RelabelMetric)
		})

		// Review resolution
		r.Route("/reviews", func(r chi.Router) {
			r.Post("/{id}/resolve", h.ResolveReview)
		})

		// Metric definition and form bindings
		r.Post("/metrics", h.CreateMetric)
		r.Post("/bindings", h.BindForm)

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/{id}/policy-number", h.AttachPolicyNumber)
		})
	})

	return r
}
