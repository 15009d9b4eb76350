package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across engage.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldRunID       = "run_id"
	FieldExecutionID = "execution_id"
	FieldRequestID   = "request_id"
	FieldItemID      = "item_id"
	FieldClientID    = "client_id"

	// Components
	FieldComponent = "component"
	FieldAgent     = "agent"

	// Runs and schedules
	FieldFamily   = "family"
	FieldSource   = "source"
	FieldSchedule = "schedule"
	FieldFireAt   = "fire_at"
	FieldTrigger  = "trigger"
	FieldAction   = "action"
	FieldCategory = "category"
	FieldKeyword  = "keyword"
	FieldAttempt  = "attempt"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldKey       = "key"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount     = "count"
	FieldLimit     = "limit"
	FieldProcessed = "processed"
	FieldTotal     = "total"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"

	FieldSymbol = "symbol" // engage symbol (꩜, ✿, ❀, ♥, ...)
)

type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	requestIDKey contextKey = "logger_request_id"
	familyKey    contextKey = "logger_family"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithFamily adds an automation family to the context for logging
func WithFamily(ctx context.Context, family string) context.Context {
	return context.WithValue(ctx, familyKey, family)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if family, ok := ctx.Value(familyKey).(string); ok && family != "" {
		fields = append(fields, FieldFamily, family)
	}

	return fields
}

// FromContext returns l enriched with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Scheduler struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewScheduler() *Scheduler {
//	    return &Scheduler{
//	        logger: logger.ComponentLogger("pulse.schedule"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
