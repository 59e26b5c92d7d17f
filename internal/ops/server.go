// Package ops exposes the agent's operational surface: Prometheus metrics
// and the health/readiness endpoints.
package ops

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether the agent can reach its collaborators.
type ReadinessCheck func(ctx context.Context) error

// NewServer builds the ops HTTP server serving /health, /ready and /metrics.
func NewServer(port string, ready ReadinessCheck, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(recovery(logger))
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Liveness returns 200 unconditionally — the process is alive. Readiness
	// depends on the collaborators so a broken backend keeps traffic away.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, `{"status":"ok"}`)
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				logger.Error("readiness check failed", zap.Error(err))
				respondJSON(w, http.StatusServiceUnavailable, `{"status":"unavailable"}`)
				return
			}
		}
		respondJSON(w, http.StatusOK, `{"status":"ready"}`)
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
}

func respondJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// recovery returns a middleware that recovers from panics
func recovery(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("stack", string(debug.Stack())),
					)
					respondJSON(w, http.StatusInternalServerError, `{"error":"internal server error"}`)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger returns a middleware that logs HTTP requests
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			// Probe endpoints are noisy, keep them at debug
			level := logger.Info
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				level = logger.Debug
			}
			level("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
