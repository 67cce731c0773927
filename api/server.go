/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operator tooling

ROUTE GROUPS:
  /api/parties/*         Party registry
  /api/products/*        Product catalog
  /api/batches/*         Manufacture + custody operations
  /api/purchases/*       Consumer sales
  /api/trace/*           Custody chain lookup
  /api/stock             Retail stock snapshot
  /api/reconciliation/*  Replay checks
  /api/scenarios/*       Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

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

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Registry routes
		r.Route("/parties", func(r chi.Router) {
			r.Post("/", h.CreateParty)
			r.Get("/{id}", h.GetParty)
		})
		r.Route("/products", func(r chi.Router) {
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
		})

		// Batch and custody routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)
			r.Post("/{id}/ship", h.ShipBatch)
			r.Post("/{id}/return", h.ReturnBatch)
			r.Post("/{id}/dispose", h.DisposeBatch)
			r.Post("/{id}/recall", h.RecallBatch)
			r.Post("/{id}/transfer", h.TransferBatch)
		})

		// Sale routes
		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.CreatePurchase)
			r.Get("/{id}", h.GetPurchase)
		})

		// Read-side routes
		r.Get("/trace/{reference}", h.TraceBatch)
		r.Get("/stock", h.GetStock)

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/runs", h.ListReconciliationRuns)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	// Plain index page listing the API surface.
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Trace Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Trace Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/batches">/api/batches</a> - List batches</li>
<li><a href="/api/stock">/api/stock</a> - Retail stock snapshot</li>
<li><a href="/api/reconciliation/runs">/api/reconciliation/runs</a> - Reconciliation history</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
