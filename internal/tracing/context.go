package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// HitIDKey is the context key for the id of the hit being sent
	HitIDKey ContextKey = "hit_id"
	// TrackingIDKey is the context key for the property tracking id
	TrackingIDKey ContextKey = "tracking_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	HitID      string
	TrackingID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewHitID generates a new hit ID
func NewHitID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithHitID(ctx context.Context, hitID string) context.Context {
	return context.WithValue(ctx, HitIDKey, hitID)
}

func WithTrackingID(ctx context.Context, trackingID string) context.Context {
	return context.WithValue(ctx, TrackingIDKey, trackingID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetHitID(ctx context.Context) string {
	return stringValue(ctx, HitIDKey)
}

func GetTrackingID(ctx context.Context) string {
	return stringValue(ctx, TrackingIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		HitID:      GetHitID(ctx),
		TrackingID: GetTrackingID(ctx),
	}
}

// NewHitContext starts tracing for one hit of trackingID.
func NewHitContext(ctx context.Context, trackingID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithHitID(ctx, NewHitID())
	return WithTrackingID(ctx, trackingID)
}

// LoggerFromContext adds tracing fields present in ctx to logger.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.HitID != "" {
		lc = lc.Str("hit_id", tc.HitID)
	}
	if tc.TrackingID != "" {
		lc = lc.Str("tracking_id", tc.TrackingID)
	}
	return lc.Logger()
}
