package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router for webhook ingestion
func NewRouter(handlers *Handlers, loggingMiddleware *LoggingMiddleware) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID)      // Generate request ID first
	r.Use(middleware.RealIP)         // Extract real IP
	r.Use(loggingMiddleware.Handler) // Add logger to context with request ID
	r.Use(middleware.Recoverer)      // Panic recovery
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Relay-Token", "Circleci-Signature"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health)
	r.Post("/webhooks/{provider}", handlers.ReceiveWebhook)

	return r
}
