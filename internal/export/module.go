package export

import (
	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/assets"
	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/internal/config"
)

// Module wires the exporter on the shared object store.
var Module = fx.Options(
	fx.Provide(func(products *catalog.Upserter, store assets.ObjectStore, cfg *config.Config) *Exporter {
		return NewExporter(products, store, cfg.Loom.Export.Prefix)
	}),
)
