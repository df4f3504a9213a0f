package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHitContext(t *testing.T) {
	ctx := NewHitContext(context.Background(), "UA-1")

	tc := FromContext(ctx)
	assert.NotEmpty(t, tc.TraceID)
	assert.NotEmpty(t, tc.HitID)
	assert.Equal(t, "UA-1", tc.TrackingID)

	next := NewHitContext(ctx, "UA-1")
	assert.Equal(t, tc.TraceID, GetTraceID(next), "trace id is kept")
	assert.NotEqual(t, tc.HitID, GetHitID(next), "hit id is new")
}

func TestNewHitContext_NilContext(t *testing.T) {
	//nolint:staticcheck
	ctx := NewHitContext(nil, "UA-2")
	require.NotNil(t, ctx)
	assert.Equal(t, "UA-2", GetTrackingID(ctx))
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetHitID(ctx))
	assert.Empty(t, GetTrackingID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTrackingID(WithTraceID(context.Background(), "trace-1"), "UA-3")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("sent")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"tracking_id":"UA-3"`)
	assert.NotContains(t, out, "hit_id")
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "autotrack-test"}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(context.Background(), "test", "op")
	defer span.End()
	assert.NotEmpty(t, GetTraceID(ctx))
}
