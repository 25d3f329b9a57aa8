/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies (rate limit key)
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counter and latency (optional)
  6. CORS:       Cross-origin requests for the staff console

ROUTE GROUPS:
  /api/families/*       Payments and family summaries
  /api/enrolments/*     Schedule preview
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

RATE LIMITING:
  Payment writes are limited per client IP and family with httprate.
  Reads are not limited.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/warp/coverage-engine/observability"
)

// RouterOptions configures the outer HTTP surface.
type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerMinute int // payment writes per client and family, 0 = unlimited
	Metrics            *observability.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Family routes
		r.Route("/families/{familyID}", func(r chi.Router) {
			r.Get("/summary", h.GetSummary)
			r.Get("/net-owing", h.GetNetOwing)

			r.Group(func(r chi.Router) {
				if opts.RateLimitPerMinute > 0 {
					r.Use(httprate.Limit(
						opts.RateLimitPerMinute,
						time.Minute,
						httprate.WithKeyFuncs(httprate.KeyByIP, keyByFamily),
					))
				}
				r.Post("/payments", h.RecordPayment)
			})
		})

		// Enrolment routes
		r.Route("/enrolments/{enrolmentID}", func(r chi.Router) {
			r.Get("/schedule", h.GetSchedule)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

func keyByFamily(r *http.Request) (string, error) {
	return chi.URLParam(r, "familyID"), nil
}
