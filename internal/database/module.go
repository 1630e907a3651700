package database

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/pipeline/repository/gormstore"
)

// Module wires the gorm connection, the startup migration, and the pipeline
// store.
var Module = fx.Options(
	fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) (*gorm.DB, error) {
		db, err := Open(cfg.Loom.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Loom.Database.Migrate {
			if err := Migrate(db, cfg.Loom.Database.Type); err != nil {
				return nil, err
			}
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return Close(db) }})
		return db, nil
	}),
	fx.Provide(fx.Annotate(
		gormstore.NewStore,
		fx.As(new(repository.Store)),
	)),
)
