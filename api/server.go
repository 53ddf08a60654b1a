/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Prometheus request counters (when a collector is set)
  5. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/units/*          Contract resolution and validation
  /api/contracts/*      Inspection lookup by contract
  /api/inspections/*    Inspection workflow and settlement
  /api/tariffs/*        Tier sets and quotes
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness + database ping

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/settlement/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultCORSOrigins are the local frontend dev servers.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Contract routes
		r.Route("/units/{unitID}/contracts", func(r chi.Router) {
			r.Get("/", h.GetUnitContracts)
			r.Post("/validate", h.ValidateContract)
		})
		r.Get("/contracts/{contractID}/inspection", h.GetInspectionByContract)

		// Inspection routes
		r.Route("/inspections", func(r chi.Router) {
			r.Post("/", h.CreateInspection)
			r.Get("/{id}", h.GetInspection)
			r.Post("/{id}/start", h.StartInspection)
			r.Put("/{id}/items/{itemID}", h.UpdateItem)
			r.Post("/{id}/complete", h.CompleteInspection)
			r.Post("/{id}/cancel", h.CancelInspection)
			r.Get("/{id}/settlement", h.GetSettlement)
			r.Post("/{id}/settlement", h.Settle)
		})

		// Tariff routes
		r.Route("/tariffs", func(r chi.Router) {
			r.Put("/", h.PutTariff)
			r.Get("/{service}", h.GetTariff)
			r.Post("/{service}/quote", h.QuoteTariff)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/move-out-scan", h.TriggerMoveOutScan)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
