package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if v := stringFromContext(ctx, actorCtxKey{}); v != "" {
		fields = append(fields, zap.String("actor.id", v))
	}
	if v := stringFromContext(ctx, sessionCtxKey{}); v != "" {
		fields = append(fields, zap.String("session.id", v))
	}
	if v := stringFromContext(ctx, runCtxKey{}); v != "" {
		fields = append(fields, zap.String("run.id", v))
	}
	if v := stringFromContext(ctx, requestCtxKey{}); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}

	return fields
}

type actorCtxKey struct{}
type sessionCtxKey struct{}
type runCtxKey struct{}
type requestCtxKey struct{}

const maxIDLen = 128

// Actor ids are often emails or service principals, hence '@', '.' and ':'.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

func stringFromContext(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

// WithActorID adds the acting principal to context. Invalid ids are ignored.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return withID(ctx, actorCtxKey{}, actorID)
}

// ActorIDFromContext returns the actor id, or "".
func ActorIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, actorCtxKey{})
}

// WithSessionID adds session ID to context. Invalid ids are ignored.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, sessionCtxKey{})
}

// WithRunID adds the orchestrator run id to context. Invalid ids are ignored.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withID(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts run ID from context.
func RunIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, runCtxKey{})
}

// WithRequestID adds request ID to context. Invalid ids are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, requestCtxKey{})
}
