package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/redwall/sentinel/internal/metrics"
)

// NewRouter returns a configured chi.Router for the securityd REST API.
//
// Route layout:
//
//	GET    /healthz                   – liveness probe (no authentication required)
//	GET    /metrics                   – Prometheus scrape endpoint (no authentication required)
//	GET    /api/v1/logs                – query_entries (filter + pagination)
//	GET    /api/v1/logs/{id}            – get_entry by sequence number
//	GET    /api/v1/logs/stats           – get_statistics
//	POST   /api/v1/rules                – create_rule
//	GET    /api/v1/rules                – list_rules
//	GET    /api/v1/rules/{id}           – get_rule
//	PATCH  /api/v1/rules/{id}           – update_rule
//	DELETE /api/v1/rules/{id}           – delete_rule
//	POST   /api/v1/ingest/events        – enqueue a single event
//	POST   /api/v1/ingest/batch         – enqueue_batch
//	POST   /api/v1/integrity/verify     – schedule_integrity_check
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api/v1 routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/logs", srv.handleGetEntries)
		r.Get("/logs/stats", srv.handleGetStatistics)
		r.Get("/logs/{id}", srv.handleGetEntry)

		r.Post("/rules", srv.handleCreateRule)
		r.Get("/rules", srv.handleListRules)
		r.Get("/rules/{id}", srv.handleGetRule)
		r.Patch("/rules/{id}", srv.handleUpdateRule)
		r.Delete("/rules/{id}", srv.handleDeleteRule)

		r.Post("/ingest/events", srv.handleIngestEvent)
		r.Post("/ingest/batch", srv.handleIngestBatch)

		r.Post("/integrity/verify", srv.handleVerifyIntegrity)
	})

	return r
}
