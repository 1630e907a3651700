package enrich

import (
	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/config"
)

// Module wires the taxonomy index and the LLM classifier.
var Module = fx.Options(
	fx.Provide(func(cfg *config.Config) *Taxonomy {
		return NewTaxonomy(cfg.Loom.Enrich.Taxonomy)
	}),
	fx.Provide(fx.Annotate(
		func(cfg *config.Config) (*LLMClassifier, error) {
			return NewLLMClassifier(cfg.Loom.Enrich)
		},
		fx.As(new(Classifier)),
	)),
)
