package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type databaseCtxKey struct{}
type userCtxKey struct{}
type sessionCtxKey struct{}
type loggerCtxKey struct{}

// WithDatabase tags the context with the database being operated on.
func WithDatabase(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, databaseCtxKey{}, name)
}

// DatabaseFromContext returns the database name, or "".
func DatabaseFromContext(ctx context.Context) string {
	if d, ok := ctx.Value(databaseCtxKey{}).(string); ok {
		return d
	}
	return ""
}

// WithUser tags the context with the acting user.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserFromContext returns the acting user ID, or "".
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// WithSessionID tags the context with the active session.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext returns the session ID, or "".
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// ContextFields extracts correlation fields from the context: the
// active trace span plus any database, user, and session tags.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if db := DatabaseFromContext(ctx); db != "" {
		fields = append(fields, zap.String("database", db))
	}
	if user := UserFromContext(ctx); user != "" {
		fields = append(fields, zap.String("user", user))
	}
	if session := SessionIDFromContext(ctx); session != "" {
		fields = append(fields, zap.String("session_id", session))
	}

	return fields
}

// WithLogger stores the logger in context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, enriched with the
// context's correlation fields. Returns a nop logger if none is set.
func FromContext(ctx context.Context) *zap.Logger {
	logger, ok := ctx.Value(loggerCtxKey{}).(*zap.Logger)
	if !ok {
		return zap.NewNop()
	}
	return logger.With(ContextFields(ctx)...)
}
