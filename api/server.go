/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     slog request logging (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend
  6. Auth:       Bearer token on /api/* (see auth.go)

ROUTE GROUPS:
  /api/entries/*        Gated entry writes, reads and the month view
  /api/month/*          Month close, reopen, status
  /api/observations/*   Month observations
  /api/unlock/*         Unlock workflow
  /api/aggregate        Grouped month view
  /api/dashboard/data   Month dashboard
  /api/audit/logs       Audit trail (master)
  /api/time/current     Server time (no auth)
  /metrics              Prometheus (no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures cross-cutting concerns of the router.
type RouterOptions struct {
	Verifier       *TokenVerifier
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := h.logger()
	if opts.Logger != nil {
		logger = opts.Logger
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
	}))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/time/current", h.CurrentTime)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(opts.Verifier, logger))

			// Entry routes
			r.Route("/entries", func(r chi.Router) {
				r.Post("/", h.SaveEntry)
				r.Post("/month", h.MonthEntries)
				r.Get("/{year}/{month}/{day}/{slot}", h.GetEntry)
			})

			// Month routes
			r.Route("/month", func(r chi.Router) {
				r.Post("/close", h.CloseMonth)
				r.Post("/reopen", h.ReopenMonth)
				r.Get("/{year}/{month}", h.GetMonthStatus)
			})

			// Observation routes
			r.Route("/observations/month", func(r chi.Router) {
				r.Post("/", h.SaveObservation)
				r.Get("/{year}/{month}", h.GetObservation)
			})

			// Unlock routes
			r.Route("/unlock", func(r chi.Router) {
				r.Post("/request", h.RequestUnlock)
				r.Get("/requests", h.ListUnlockRequests)
				r.Post("/approve", h.ApproveUnlock)
				r.Post("/reject", h.RejectUnlock)
			})

			// Report routes
			r.Post("/aggregate", h.Aggregate)
			r.Post("/dashboard/data", h.Dashboard)

			// Audit routes
			r.Get("/audit/logs", h.AuditLogs)
		})
	})

	return r
}

// requestLogger logs one line per request with slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.InfoContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
