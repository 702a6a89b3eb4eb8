// Package providers holds the wire provider functions for cmd/kilnctl's
// dependency graph, the same split the teacher keeps between its provider
// functions and cmd/api/wire.go's injector.
package providers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kilnpack/kilnpack/cmd/kilnctl/config"
	"github.com/kilnpack/kilnpack/lib/buildengine"
	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/credentials"
	"github.com/kilnpack/kilnpack/lib/logger"
	"github.com/kilnpack/kilnpack/lib/xdg"
)

// ProvideConfig provides the application configuration.
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideLogger provides the root structured logger, configured per
// subsystem by logger.NewConfig from the LOG_LEVEL and
// LOG_LEVEL_<SUBSYSTEM> environment variables; cfg is not read. main.go
// swaps in an OTel-bridged handler after
// otel.Init runs, since Init itself needs a logger to report its own
// failures.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	logCfg := logger.NewConfig()
	return logger.NewSubsystemLogger(logger.SubsystemCLI, logCfg, nil)
}

// ProvideContext provides the base context with the root logger attached.
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePaths provides the cache/state path table, honoring a configured
// cache-dir override before falling back to the platform default.
func ProvidePaths(cfg *config.Config) (*xdg.Paths, error) {
	if cfg.CacheDir != "" {
		return xdg.New(cfg.CacheDir), nil
	}
	return xdg.Default()
}

// ProvideCacheStore provides the content-addressed layer cache, rooted at
// paths.CacheRoot().
func ProvideCacheStore(p *xdg.Paths, log *slog.Logger) (*cache.Store, error) {
	if err := p.EnsureDirs(); err != nil {
		return nil, err
	}
	return cache.New(p.CacheRoot(), log.With("subsystem", logger.SubsystemCache))
}

// ProvideCredentialResolver provides the Docker-CLI-compatible credential
// resolution chain (spec §4.4), rooted at the configured Docker config
// directory override or ~/.docker.
func ProvideCredentialResolver(cfg *config.Config) (*credentials.Resolver, error) {
	dir := cfg.DockerConfigDir
	if dir == "" {
		var err error
		dir, err = xdg.DockerConfigDir()
		if err != nil {
			return nil, err
		}
	}
	return credentials.New(dir), nil
}

// ProvideHTTPClient provides the shared HTTP client every registry.Client
// the engine creates reuses, with the configured default timeout.
func ProvideHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.EffectiveHTTPTimeout()}
}

// ProvideEngine provides the long-lived Build Engine. cmd/kilnctl only ever
// runs one build per process invocation, but the constructor doesn't assume
// that — a future batch/daemon mode could reuse the same Engine.
func ProvideEngine(store *cache.Store, resolver *credentials.Resolver, log *slog.Logger, httpClient *http.Client) *buildengine.Engine {
	return buildengine.New(buildengine.Config{
		Cache:       store,
		Credentials: resolver,
		Logger:      log.With("subsystem", logger.SubsystemBuildEngine),
		HTTPClient:  httpClient,
	})
}
