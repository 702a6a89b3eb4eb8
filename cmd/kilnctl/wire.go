//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/kilnpack/kilnpack/cmd/kilnctl/config"
	"github.com/kilnpack/kilnpack/lib/buildengine"
	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/credentials"
	"github.com/kilnpack/kilnpack/lib/providers"
	"github.com/kilnpack/kilnpack/lib/xdg"
)

// application holds every initialized component main() needs.
type application struct {
	Ctx         context.Context
	Logger      *slog.Logger
	Config      *config.Config
	Paths       *xdg.Paths
	CacheStore  *cache.Store
	Credentials *credentials.Resolver
	Engine      *buildengine.Engine
}

// initializeApp is the wire injector. Run `wire` in this directory to
// regenerate wire_gen.go after changing a provider's signature.
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideCacheStore,
		providers.ProvideCredentialResolver,
		providers.ProvideHTTPClient,
		providers.ProvideEngine,
		wire.Struct(new(application), "*"),
	))
}
