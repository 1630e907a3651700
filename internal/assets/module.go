package assets

import (
	"context"

	"cloud.google.com/go/storage"
	"go.uber.org/fx"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/support/logger"
)

// NewObjectStore selects the blob backend: GCS when a bucket is configured,
// the in-memory store otherwise (local development).
func NewObjectStore(lc fx.Lifecycle, cfg *config.Config) (ObjectStore, error) {
	a := cfg.Loom.Assets
	if a.Bucket == "" {
		logger.Warnf("No asset bucket configured, images stay in memory.")
		return NewMemoryStore(), nil
	}

	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return NewGCSStore(client, a.Bucket, a.Prefix, a.PublicURL), nil
}

// Module wires the object store and the resolver.
var Module = fx.Options(
	fx.Provide(NewObjectStore),
	fx.Provide(fx.Annotate(
		func(store ObjectStore) *HTTPResolver { return NewHTTPResolver(store, 0) },
		fx.As(new(Resolver)),
	)),
)
