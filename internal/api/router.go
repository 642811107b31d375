package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vnmchuo/callmeter/internal/auth"
	"go.uber.org/zap"
)

// NewRouter mounts the public probes and the authenticated /v1 API.
func NewRouter(h *Handler, authMiddleware auth.Middleware, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog(h.logger))

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "callmeter"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Protected routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware)

		r.With(auth.RequireScope(auth.ScopeUsageWrite)).Post("/usage", h.HandleRecordUsage)
		r.With(auth.RequireScope(auth.ScopeLimitsRead)).Get("/usage/period", h.HandleCurrentPeriod)
		r.With(auth.RequireScope(auth.ScopeLimitsRead)).Get("/limits/check", h.HandleCheckLimit)
		r.With(auth.RequireScope(auth.ScopeLimitsRead)).Get("/limits/config", h.HandleGetLimitConfig)
		r.With(auth.RequireScope(auth.ScopeLimitsWrite)).Put("/limits/config", h.HandlePutLimitConfig)
		r.With(auth.RequireScope(auth.ScopeAlertsRead)).Get("/alerts", h.HandleListAlerts)
		r.With(auth.RequireScope(auth.ScopeAlertsWrite)).Post("/alerts/dispatch", h.HandleDispatchAlert)
		r.With(auth.RequireScope(auth.ScopeAlertsWrite)).Post("/alerts/{id}/ack", h.HandleAcknowledgeAlert)
	})

	return r
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", ww.Header().Get("X-Request-ID")),
			}
			switch {
			case status >= 500:
				logger.Error("http request", fields...)
			case status >= 400:
				logger.Warn("http request", fields...)
			default:
				logger.Debug("http request", fields...)
			}
		})
	}
}
