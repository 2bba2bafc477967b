package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lei/ci-relay/pkg/logger"
)

// LoggingMiddleware adds structured logging to all requests
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(log *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: log}
}

// Handler wraps HTTP handlers with logging
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = "unknown"
		}

		reqLogger := m.logger.With(
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
		)

		ctx := context.WithValue(r.Context(), contextKeyLogger, reqLogger)
		ctx = context.WithValue(ctx, contextKeyRequestID, requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		start := time.Now()
		defer func() {
			duration := time.Since(start)

			if wrapped.statusCode >= 500 {
				reqLogger.Error("request completed",
					"status", wrapped.statusCode,
					"duration_ms", duration.Milliseconds())
			} else if wrapped.statusCode >= 400 {
				reqLogger.Warn("request completed",
					"status", wrapped.statusCode,
					"duration_ms", duration.Milliseconds())
			} else {
				reqLogger.Info("request completed",
					"status", wrapped.statusCode,
					"duration_ms", duration.Milliseconds())
			}
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
