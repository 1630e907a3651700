package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/config"
)

// Building the module must be enough to install the global tracer provider;
// no other component consumes it, so the module carries its own invoke.
func TestModule_InstallsGlobalTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.NewConfig()
	cfg.Loom.Telemetry.OTLPEndpoint = "127.0.0.1:4317"

	app := fx.New(fx.NopLogger, fx.Supply(cfg), Module)
	require.NoError(t, app.Err())

	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok, "tracer provider was never constructed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}

func TestModule_NoEndpointLeavesGlobalProviderAlone(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	app := fx.New(fx.NopLogger, fx.Supply(config.NewConfig()), Module)
	require.NoError(t, app.Err())

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.False(t, ok)
}
