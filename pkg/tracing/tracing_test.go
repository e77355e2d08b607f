package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "peerlink", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers_NoopProvider(t *testing.T) {
	ctx, span := TraceWebRTC(context.Background(), "create_offer", "alice")
	require.NotNil(t, span)
	defer span.End()

	AddSpanAttributes(ctx, attribute.String("test.key", "value"))
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond))

	_, wsSpan := TraceWebSocketMessage(ctx, "offer", "alice")
	require.NotNil(t, wsSpan)
	wsSpan.End()
}
