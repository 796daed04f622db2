/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  zap request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend
  The whole router is wrapped in otelhttp for a server span per request.

ROUTE GROUPS:
  /healthz            Store ping (public)
  /metrics            Prometheus (public)
  /api/v1/*           Bearer token required
  /api/v1/admin/*     Bearer token with admin claim

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/auth.go: Token verification
  - idempotency/middleware.go: Idempotency-Key replay
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/warp/redemption-engine/auth"
	"github.com/warp/redemption-engine/idempotency"
)

// RouterConfig carries the router's collaborators. Verifier is required.
type RouterConfig struct {
	Verifier    *auth.Verifier
	Idempotency *idempotency.Middleware // nil disables Idempotency-Key handling
	Gatherer    prometheus.Gatherer     // nil hides /metrics
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotency.HeaderKey},
		ExposedHeaders:   []string{idempotency.HeaderReplayed, middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.Verifier.Middleware)

		// User routes
		r.Get("/users", h.ListUsers)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/redemptions", h.GetRedemptions)
			r.Get("/summary", h.GetSummary)
		})

		// Reward routes
		r.Get("/rewards", h.ListRewards)

		// Redemption routes
		r.Group(func(r chi.Router) {
			if cfg.Idempotency != nil {
				r.Use(cfg.Idempotency.Handler)
			}
			r.Post("/redemptions", h.CreateRedemption)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/users/{id}/adjustments", h.CreateAdjustment)
			r.Get("/audit", h.RunAudit)
		})
	})

	return otelhttp.NewHandler(r, "redemption-api")
}
