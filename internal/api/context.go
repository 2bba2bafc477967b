package api

import (
	"context"

	"github.com/lei/ci-relay/pkg/logger"
)

// contextKey is an unexported type for context keys to prevent collisions
type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyLogger    contextKey = "logger"
)

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// GetLogger retrieves the request-scoped logger from context
func GetLogger(ctx context.Context) *logger.Logger {
	if log, ok := ctx.Value(contextKeyLogger).(*logger.Logger); ok {
		return log
	}
	return nil
}
