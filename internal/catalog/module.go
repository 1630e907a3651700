package catalog

import (
	"go.uber.org/fx"
)

// Module wires the canonical store into the fx graph.
var Module = fx.Options(
	fx.Provide(NewUpserter),
)
