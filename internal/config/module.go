package config

import (
	"go.uber.org/fx"

	"github.com/weftworks/loom/pkg/support/logger"
)

// Params defines the dependencies of the config provider.
type Params struct {
	fx.In
	Embedded    EmbeddedConfig
	EnvFilePath string `name:"envFilePath" optional:"true"`
}

// NewProvider loads the configuration and applies the global log level.
func NewProvider(params Params) (*Config, error) {
	cfg, err := Load(params.EnvFilePath, params.Embedded)
	if err != nil {
		return nil, err
	}
	logger.SetLogLevel(cfg.Loom.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Loom.System.Logging.Level)
	return cfg, nil
}

// Module wires the config provider into the fx graph.
var Module = fx.Options(
	fx.Provide(NewProvider),
)
