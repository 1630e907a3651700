package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/pipeline/dispatcher"
	"github.com/weftworks/loom/pkg/support/logger"
)

// Module wires the recorder, the metrics listener, and the tracer provider.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewPrometheusRecorder,
		fx.As(new(dispatcher.Recorder)),
	)),
	fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) (*TracerProvider, error) {
		tp, err := NewTracerProvider(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: tp.Shutdown})
		return tp, nil
	}),
	fx.Invoke(startMetricsListener),
	// Providers are lazy and nothing consumes the tracer provider directly;
	// construction has to be forced for the global otel install to happen.
	fx.Invoke(func(*TracerProvider) {}),
)

// startMetricsListener serves /metrics when an address is configured.
func startMetricsListener(lc fx.Lifecycle, cfg *config.Config, recorder dispatcher.Recorder) {
	addr := cfg.Loom.Telemetry.MetricsAddr
	if addr == "" {
		return
	}
	prom, ok := recorder.(*PrometheusRecorder)
	if !ok {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom.GetRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Infof("Metrics listener on %s.", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Errorf("Metrics listener failed: %v", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
