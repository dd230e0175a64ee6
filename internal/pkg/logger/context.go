package logger

import (
	"context"

	"go.uber.org/zap"
)

// Context keys
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	threadIDKey  contextKey = "thread_id"
	sessionIDKey contextKey = "session_id"
)

var contextKeys = []contextKey{requestIDKey, threadIDKey, sessionIDKey}

// WithContext returns a logger with fields from context
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := Fields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// Fields returns the request, thread and session ids carried by ctx
func Fields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	for _, key := range contextKeys {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithThreadID adds the conversation thread ID to context
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey, threadID)
}

// WithSessionID adds the stream session ID to context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
