package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/agentvault/internal/auth"
	"github.com/alecgard/agentvault/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPMetrics is the optional recorder for served requests.
type HTTPMetrics interface {
	ObserveHTTP(kind, method, pattern string, status int, seconds float64)
	IncRateLimitRejection(limiterType, scope string)
	Registry() *prometheus.Registry
	Handler() http.HandlerFunc
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Operators OperatorStore
	Registrar Registerer
	Executor  Executor
	Ledger    LedgerReader
	Auth      *auth.Service
	Limiter   *ratelimit.Scoped

	// Oracle is nil when no in-process network backs the server.
	Oracle        OracleRunner
	OracleTags    []string
	OracleWeights []int64

	// RPC, when set, is mounted at /rpc (embedded devnet relay).
	RPC http.Handler

	Metrics        HTTPMetrics
	DBPool         Pinger
	AdminKey       string
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(httpMetrics(deps.Metrics))
	}

	r.Get("/health", healthHandler(deps.DBPool))
	r.Get("/.well-known/agentvault.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
	if deps.RPC != nil {
		r.Handle("/rpc", deps.RPC)
	}

	ops := newOperatorsHandler(deps.Operators, deps.Registrar)
	sends := newInstructionsHandler(deps.Operators, deps.Executor)
	ledgers := newLedgerHandler(deps.Ledger)

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey))

		ar.Post("/operators", ops.CreateOperator)
		ar.Get("/operators", ops.ListOperators)
		ar.Get("/operators/{id}", ops.GetOperator)
		ar.Put("/operators/{id}", ops.UpdateOperator)
		ar.Delete("/operators/{id}", ops.DeleteOperator)

		ar.Get("/ledger", func(w http.ResponseWriter, r *http.Request) { ledgers.List(w, r, true) })
		ar.Get("/ledger/summary", func(w http.ResponseWriter, r *http.Request) { ledgers.Summary(w, r, true) })

		if deps.Oracle != nil {
			oh := &oracleHandler{runner: deps.Oracle, tags: deps.OracleTags, weights: deps.OracleWeights}
			if om, ok := deps.Metrics.(OracleMetrics); ok {
				oh.metrics = om
			}
			ar.Post("/oracle/{agentID}", oh.RunOracle)
		}
		if deps.Metrics != nil {
			ar.Get("/metrics/summary", deps.Metrics.Handler())
		}
	})

	// Operator-authed routes (operator API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.OperatorAuthMiddleware(deps.Auth))
		var onReject []func()
		if deps.Metrics != nil {
			onReject = append(onReject, func() { deps.Metrics.IncRateLimitRejection("operator", "api") })
		}
		ar.Use(ratelimit.Middleware(deps.Limiter, onReject...))

		ar.Get("/account", sends.GetAccount)
		ar.Post("/instructions", sends.SendInstruction)
		ar.Post("/payments", sends.SendPayment)
		ar.Post("/pulls", sends.SendPull)

		ar.Get("/ledger", func(w http.ResponseWriter, r *http.Request) { ledgers.List(w, r, false) })
		ar.Get("/ledger/summary", func(w http.ResponseWriter, r *http.Request) { ledgers.Summary(w, r, false) })
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "disconnected"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

// httpMetrics records every request against its chi route pattern.
func httpMetrics(m HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				pattern = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP("api", r.Method, pattern, status, time.Since(start).Seconds())
		})
	}
}
