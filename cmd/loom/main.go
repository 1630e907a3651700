package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	_ "embed"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/weftworks/loom/internal/assets"
	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/database"
	"github.com/weftworks/loom/internal/enrich"
	"github.com/weftworks/loom/internal/export"
	"github.com/weftworks/loom/internal/ingest"
	"github.com/weftworks/loom/internal/metrics"
	"github.com/weftworks/loom/internal/platform"
	"github.com/weftworks/loom/internal/server"
	"github.com/weftworks/loom/pkg/support/logger"
)

//go:embed resources/application.yaml
var embeddedConfig []byte

func main() {
	envFilePath := flag.String("env-file", "", "path to an optional .env file")
	flag.Parse()

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := fx.New(
		fx.Supply(
			config.EmbeddedConfig(embeddedConfig),
			fx.Annotate(*envFilePath, fx.ResultTags(`name:"envFilePath"`)),
		),
		fx.WithLogger(func() fxevent.Logger { return logger.NewFxLoggerAdapter() }),
		config.Module,
		database.Module,
		metrics.Module,
		platform.Module,
		catalog.Module,
		enrich.Module,
		assets.Module,
		export.Module,
		ingest.Module,
		server.Module,
	)

	if err := app.Err(); err != nil {
		logger.Fatalf("Failed to build application: %v", err)
	}

	if err := app.Start(appCtx); err != nil {
		logger.Fatalf("Failed to start application: %v", err)
	}
	logger.Infof("Loom is running. Trigger runs via the HTTP API.")

	<-appCtx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Errorf("Shutdown finished with error: %v", err)
	}
}
