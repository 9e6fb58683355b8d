/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Connects URLs to handlers and installs the middleware stack.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for an operator console

ROUTE GROUPS:
  /api/billing/*        Generation and overdue sweep
  /api/residents/*      Payments, recharges, read models
  /api/admin/*          Directory and account administration
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus exposition
  /healthz              Liveness

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method("GET", "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/billing", func(r chi.Router) {
			r.Post("/generate", h.Generate)
			r.Post("/sweep", h.Sweep)
		})

		r.Route("/residents/{id}", func(r chi.Router) {
			r.Post("/payments", h.Pay)
			r.Post("/recharges", h.Recharge)
			r.Get("/charges", h.ListCharges)
			r.Get("/account", h.GetAccount)
			r.Get("/ledger", h.GetLedger)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/fee-types", h.SaveFeeType)
			r.Post("/units", h.SaveUnit)
			r.Post("/occupancies", h.SaveOccupancy)
			r.Put("/residents/{id}/credential", h.SetCredential)
			r.Post("/residents/{id}/freeze", h.FreezeAccount)
			r.Post("/residents/{id}/unfreeze", h.UnfreezeAccount)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
