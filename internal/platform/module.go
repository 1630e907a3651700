package platform

import (
	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/config"
)

// NewRegistryProvider builds the registry from the configured platform
// settings maps and installs the scraping fallback.
func NewRegistryProvider(cfg *config.Config) (*Registry, error) {
	registry := NewRegistry()

	var storefrontSettings StorefrontSettings
	if err := config.BindSettings(cfg.Loom.Platforms[StorefrontID], &storefrontSettings); err != nil {
		return nil, err
	}
	registry.Register(NewStorefront(storefrontSettings))

	var fallbackSettings HTMLFallbackSettings
	if err := config.BindSettings(cfg.Loom.Platforms[HTMLFallbackID], &fallbackSettings); err != nil {
		return nil, err
	}
	fallback := NewHTMLFallback(fallbackSettings)
	registry.Register(fallback)
	registry.SetFallback(fallback)

	return registry, nil
}

// Module wires the adapter registry into the fx graph.
var Module = fx.Options(
	fx.Provide(NewRegistryProvider),
)
