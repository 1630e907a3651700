package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "metrics"

// TracerProvider owns the OTLP trace pipeline. When no endpoint is
// configured the global provider stays at the otel default (noop) and
// Shutdown is a no-op.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider installs the global tracer provider when an OTLP
// endpoint is configured.
func NewTracerProvider(ctx context.Context, cfg *config.Config) (*TracerProvider, error) {
	endpoint := cfg.Loom.Telemetry.OTLPEndpoint
	if endpoint == "" {
		logger.Debugf("No OTLP endpoint configured, tracing stays disabled.")
		return &TracerProvider{}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, exception.New(moduleName, "failed to create OTLP trace exporter", err, false)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.Loom.Telemetry.ServiceName),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Infof("Tracing enabled, exporting to %s.", endpoint)
	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes and stops the trace pipeline.
func (t *TracerProvider) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
