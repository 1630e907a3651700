package ingest

import (
	"context"

	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/assets"
	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/enrich"
	"github.com/weftworks/loom/internal/export"
	"github.com/weftworks/loom/internal/platform"
	"github.com/weftworks/loom/pkg/pipeline/dispatcher"
	"github.com/weftworks/loom/pkg/pipeline/repository"
)

// Module wires the three item processors, the run planner, and the
// per-kind dispatchers.
var Module = fx.Options(
	fx.Provide(func(cfg *config.Config, registry *platform.Registry, upserter *catalog.Upserter, resolver assets.Resolver) *CrawlProcessor {
		return NewCrawlProcessor(registry, upserter, resolver, cfg.Loom.Brands)
	}),
	fx.Provide(func(cfg *config.Config, upserter *catalog.Upserter, taxonomy *enrich.Taxonomy, classifier enrich.Classifier) *EnrichProcessor {
		return NewEnrichProcessor(upserter, taxonomy, classifier, cfg.Loom.Enrich.PromptVersion)
	}),
	fx.Provide(func(exporter *export.Exporter) *ExportProcessor {
		return NewExportProcessor(exporter)
	}),
	fx.Provide(NewPlanner),
	fx.Provide(func(lc fx.Lifecycle, store repository.Store, planner *Planner, recorder dispatcher.Recorder, cfg *config.Config, crawl *CrawlProcessor, enrichProc *EnrichProcessor, exportProc *ExportProcessor) *Pipelines {
		p := NewPipelines(store, planner, recorder, cfg, crawl, enrichProc, exportProc)
		lc.Append(fx.Hook{OnStop: func(context.Context) error {
			p.Close()
			return nil
		}})
		return p
	}),
)
