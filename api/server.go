/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the reverse proxy
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the front desk app
  6. Auth:       Bearer token on everything under /api
  7. RateLimit:  Per-actor limit on POST /api/checkin only

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus exposition
  /api/services         Service catalog
  /api/ledgers/*        Ledgers, renewals, remaining payments, session history
  /api/sessions/*       Session reversal
  /api/checkin/*        Barcode check-in and preview
  /api/receipts/*       Receipts and cancellation
  /api/expenses         Compensating expenses
  /api/members/*        Member registration
  /api/scenarios/*      Demo scenarios (local mode only)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/gym-ledger/logger"
)

// RouterConfig holds the router options that come from configuration.
type RouterConfig struct {
	AllowedOrigins []string
	// CheckInLimiter throttles scans per actor. Nil disables limiting.
	CheckInLimiter *RateLimiter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// EnableScenarios mounts the demo data endpoints.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		r.Get("/services", h.ListServices)

		// Ledger routes
		r.Route("/ledgers", func(r chi.Router) {
			r.Get("/", h.ListLedgers)
			r.Post("/", h.PurchaseLedger)
			r.Get("/{code}", h.GetLedger)
			r.Post("/{code}/renew", h.RenewLedger)
			r.Post("/{code}/pay-remaining", h.PayRemaining)
			r.Get("/{code}/sessions", h.ListSessions)
			r.Post("/{code}/sessions", h.ScheduleSession)
		})

		r.Delete("/sessions/{id}", h.ReverseSession)

		// Check-in routes
		r.Route("/checkin", func(r chi.Router) {
			r.With(cfg.CheckInLimiter.Middleware).Post("/", h.CheckInScan)
			r.Get("/{code}", h.PreviewCheckIn)
		})

		// Finance routes
		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", h.ListReceipts)
			r.Post("/", h.IssueReceipt)
			r.Get("/next-number", h.NextReceiptNumber)
			r.Get("/{id}", h.GetReceipt)
			r.Post("/{id}/cancel", h.CancelReceipt)
		})
		r.Get("/expenses", h.ListExpenses)

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.RegisterMember)
			r.Get("/next-number", h.NextMemberNumber)
			r.Get("/{id}", h.GetMember)
		})

		// Scenario routes
		if cfg.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Infow("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
