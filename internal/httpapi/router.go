// Package httpapi is the chi-based HTTP transport for the submission
// service. It owns request parsing, status mapping, and request-scoped
// logging; all business logic lives in internal/submission.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter assembles the full HTTP API: chi's own request-id/recoverer
// middleware, a zap request logger, then the three routes.
func NewRouter(h *Handlers, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapRequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/api/transactions", h.Submit)
	r.Get("/api/transactions/{id}", h.GetStatus)
	r.Get("/api/health", h.Health)

	return r
}

// zapRequestLogger logs one line per request at Info, tagged with chi's
// request id.
func zapRequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	logger := log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request handled",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
