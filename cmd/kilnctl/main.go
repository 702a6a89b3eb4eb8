// Command kilnctl drives the Build Engine from a JSON build-plan file. It
// carries no flag parsing beyond the plan file path itself — spec.md's
// Non-goals put "CLI argument parsing" out of scope, so every build-level
// knob lives in the plan file instead of a flag.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kilnpack/kilnpack/cmd/kilnctl/planfile"
	"github.com/kilnpack/kilnpack/lib/buildengine"
	"github.com/kilnpack/kilnpack/lib/logger"
	"github.com/kilnpack/kilnpack/lib/otel"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kilnctl terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: kilnctl <plan.json>")
	}
	planPath := os.Args[1]

	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize kilnctl: %w", err)
	}
	defer cleanup()
	cfg := app.Config

	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}
	otelProvider, otelShutdown, err := otel.Init(app.Ctx, otelCfg)
	if err != nil {
		app.Logger.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				app.Logger.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otel.SetGlobalLogHandler(otelProvider.LogHandler)
	}

	file, err := planfile.Load(planPath)
	if err != nil {
		return err
	}
	plan, err := file.Convert()
	if err != nil {
		return fmt.Errorf("invalid build plan: %w", err)
	}
	for host, cred := range plan.Credentials {
		app.Credentials.SetInline(host, cred)
	}

	buildID := uuid.NewString()
	baseHandler := logger.NewSubsystemLogger(logger.SubsystemBuildEngine, logger.NewConfig(), otel.GetGlobalLogHandler()).Handler()
	buildHandler := logger.NewBuildLogHandler(baseHandler, app.Paths.BuildLog)
	buildLog := slog.New(buildHandler).With("build_id", buildID)
	defer buildHandler.CloseBuildLog(buildID)

	app.Engine.SetOnProgress(func(e buildengine.Event) {
		buildHandler.WriteProgress(e.BuildID, e.Step, e.Overall, e.Message)
	})

	ctx := logger.AddToContext(app.Ctx, buildLog)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	buildLog.Info("build starting",
		"base_image", plan.BaseImage.String(),
		"target_image", plan.TargetImage.String(),
		"output_mode", plan.Output.Mode.String(),
		"offline", plan.Offline,
	)

	result, err := app.Engine.Run(ctx, plan, buildID)
	if err != nil {
		buildLog.Error("build failed", "error", err, "elapsed", time.Since(start).String())
		return describeBuildError(err)
	}

	buildLog.Info("build complete",
		"manifest_digest", result.ManifestDigest.String(),
		"tags", result.Tags,
		"elapsed", time.Since(start).String(),
	)

	if maxSize, err := cfg.EffectiveMaxCacheSize(); err != nil {
		buildLog.Warn("invalid cache size limit, skipping prune", "error", err)
	} else if maxSize > 0 {
		if err := app.CacheStore.Prune(maxSize); err != nil {
			buildLog.Warn("cache prune failed", "error", err)
		}
	}

	return printResult(result)
}

// describeBuildError surfaces a buildengine.Error's structured kind in the
// process's final error message, since that's the one piece of information
// a caller scripting against kilnctl's exit status can't otherwise recover.
func describeBuildError(err error) error {
	var be *buildengine.Error
	if errors.As(err, &be) {
		return fmt.Errorf("build failed [%s/%s]: %w", be.Kind, be.Step, be.Err)
	}
	return fmt.Errorf("build failed: %w", err)
}

// printResult writes the build result as JSON to stdout, the one output
// format a caller driving kilnctl non-interactively can parse reliably.
func printResult(result *buildengine.Result) error {
	out := struct {
		ManifestDigest string   `json:"manifestDigest"`
		ConfigDigest   string   `json:"configDigest"`
		Tags           []string `json:"tags,omitempty"`
		TarPath        string   `json:"tarPath,omitempty"`
	}{
		ManifestDigest: result.ManifestDigest.String(),
		ConfigDigest:   result.ConfigDigest.String(),
		Tags:           result.Tags,
		TarPath:        result.TarPath,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
