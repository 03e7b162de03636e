/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, attached to every log line
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Access log: One structured line per request
  4. CORS:       Cross-origin requests for frontends
  5. Auth:       Bearer JWT on /api only

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint
  /api/users/*          Per-user credits and ledger operations
  /api/buckets/*        Bucket management
  /api/purchases        External purchase API
  /api/import, /export  Bulk CSV
  /api/sweeps/*         Scheduler runs

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/creditsctl: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/credit-ledger/logging"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth   *Authenticator
	Logger *logging.Logger

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// CORSOrigins defaults to every origin.
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware(log))
		}

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Put("/{userID}", h.SaveUser)
			r.Get("/{userID}/credits", h.GetCredits)
			r.Post("/{userID}/credits", h.IssueCredits)
			r.Get("/{userID}/transactions", h.ListTransactions)
			r.Post("/{userID}/spend", h.SpendCredits)
			r.Post("/{userID}/refunds", h.Refund)
		})

		// Bucket routes
		r.Route("/buckets", func(r chi.Router) {
			r.Get("/{bucketID}", h.GetBucket)
			r.Put("/{bucketID}/total", h.AdjustTotal)
			r.Put("/{bucketID}/validity", h.ChangeValidity)
			r.Post("/{bucketID}/expire", h.ExpireNow)
		})

		r.Post("/purchases", h.Purchase)
		r.Post("/import", h.Import)
		r.Get("/export", h.Export)

		// Scheduler routes
		r.Route("/sweeps", func(r chi.Router) {
			r.Get("/", h.ListSweepRuns)
			r.Post("/{job}", h.RunSweep)
		})
	})

	return r
}

// accessLog writes one line per request and attaches the request id to
// the context for every later log line.
func accessLog(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			r = r.WithContext(ctx)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info(log.WithFields(ctx, map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			}), "http request")
		})
	}
}
