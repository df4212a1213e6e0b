package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitEnabledRecordsSpans(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: true, Version: "test", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "probe")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.IsRecording())
}
