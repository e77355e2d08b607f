package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const (
	participantIDKey ctxKey = "participant_id"
	requestIDKey     ctxKey = "request_id"
)

// ContextWithParticipant stores the participant id for context-aware logging
func ContextWithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantIDKey, participantID)
}

// ContextWithRequestID stores a request id for context-aware logging
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	if logger == nil {
		logger = NopSugared()
	}
	return &ContextLogger{logger: logger}
}

// WithContext adds trace, participant and request fields found in ctx
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, "trace_id", sc.TraceID().String())
	}
	if id, ok := ctx.Value(participantIDKey).(string); ok && id != "" {
		fields = append(fields, "participant_id", id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, "request_id", id)
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}
