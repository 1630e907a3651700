package server

import (
	"context"

	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/ingest"
)

// Module wires the trigger API into the application lifecycle.
var Module = fx.Options(
	fx.Provide(func(cfg *config.Config, pipelines *ingest.Pipelines) *Server {
		return New(cfg.Loom.Server.Addr, pipelines)
	}),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return s.Start() },
			OnStop:  func(ctx context.Context) error { return s.Shutdown(ctx) },
		})
	}),
)
