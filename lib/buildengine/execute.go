package buildengine

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	godigest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/kilnpack/kilnpack/lib/buildplan"
	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/image"
	kilnotel "github.com/kilnpack/kilnpack/lib/otel"
)

// execute runs the full step DAG for r.plan and returns the Result. It is
// the one place that encodes the dependency order spec §4.6's diagram
// draws: application layers build concurrently with the base image load,
// and both feed BuildContainerConfig; for registry output, PushLayers then
// runs, followed by PushContainerConfig and PushManifest.
func (r *run) execute(ctx context.Context) (*Result, error) {
	ctx, rootSpan := r.span(ctx, "Run", kilnotel.BuildAttributes(
		r.buildID,
		r.plan.BaseImage.String(),
		r.plan.TargetImage.String(),
		r.plan.Output.Mode.String(),
	)...)
	defer rootSpan.End()

	base, appEntries, err := r.loadBaseAndAppLayers(ctx)
	if err != nil {
		return nil, err
	}
	r.baseDiffIDs = base.digestToDiffID()

	_, configSpan := r.span(ctx, "BuildContainerConfig")
	configFile, configBytes, err := r.buildContainerConfig(base, appEntries)
	configSpan.End()
	if err != nil {
		return nil, err
	}

	switch r.plan.Output.Mode {
	case buildplan.OutputRegistry:
		ctx, span := r.span(ctx, "ExecuteRegistryPush")
		defer span.End()
		return r.executeRegistryPush(ctx, base, appEntries, configFile, configBytes)
	case buildplan.OutputDockerDaemon, buildplan.OutputTarFile:
		ctx, span := r.span(ctx, "ExecuteLocalExport")
		defer span.End()
		return r.executeLocalExport(ctx, base, appEntries, configFile, configBytes)
	default:
		return nil, step("Run", fmt.Errorf("unknown output mode %v", r.plan.Output.Mode))
	}
}

// loadBaseAndAppLayers runs PullBaseManifest/PullBaseConfig concurrently
// with BuildApplicationLayers, since neither depends on the other (spec
// §4.6's diagram draws them as independent branches feeding PushLayers).
func (r *run) loadBaseAndAppLayers(ctx context.Context) (*baseImage, []cache.Entry, error) {
	baseFuture := newFuture[*baseImage]()
	appFutures := make([]*future[cache.Entry], len(r.plan.Layers))
	for i := range appFutures {
		appFutures[i] = newFuture[cache.Entry]()
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		base, err := r.loadBaseImage(gctx)
		baseFuture.resolve(base, err)
		return err
	})
	for i, layer := range r.plan.Layers {
		i, layer := i, layer
		grp.Go(func() error {
			return r.withSlot(gctx, func() error {
				entry, err := r.buildApplicationLayer(gctx, layer)
				appFutures[i].resolve(entry, err)
				return err
			})
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, nil, err
	}

	base, err := baseFuture.get(ctx)
	if err != nil {
		return nil, nil, err
	}
	appEntries := make([]cache.Entry, len(appFutures))
	for i, f := range appFutures {
		entry, err := f.get(ctx)
		if err != nil {
			return nil, nil, err
		}
		appEntries[i] = entry
	}

	r.tracker.Complete("BuildApplicationLayers", fmt.Sprintf("%d layers ready", len(appEntries)))
	return base, appEntries, nil
}

func (r *run) executeRegistryPush(ctx context.Context, base *baseImage, appEntries []cache.Entry, configFile *v1.ConfigFile, configBytes []byte) (*Result, error) {
	if err := step("AuthenticatePush", r.targetClient.Ping(ctx)); err != nil {
		return nil, err
	}
	r.tracker.Complete("AuthenticatePush", "target registry reachable")

	pushables := make([]pushable, 0, len(base.layerDigests)+len(appEntries))
	for _, d := range base.layerDigests {
		pushables = append(pushables, pushable{digest: d, isBase: true})
	}
	for _, e := range appEntries {
		pushables = append(pushables, pushable{digest: e.Digest, isBase: false})
	}
	if err := r.pushLayers(ctx, pushables); err != nil {
		return nil, err
	}

	configDigest, err := r.pushContainerConfig(ctx, configBytes)
	if err != nil {
		return nil, err
	}

	manifest, manifestRaw, err := r.assembleManifest(configDigest, int64(len(configBytes)), base, appEntries)
	if err != nil {
		return nil, err
	}
	manifestDigest, tags, err := r.pushManifest(ctx, manifestRaw, string(r.plan.Format.ManifestMediaType()))
	if err != nil {
		return nil, err
	}

	return &Result{
		Manifest:       manifest,
		ManifestDigest: manifestDigest,
		ManifestBytes:  manifestRaw,
		ConfigFile:     configFile,
		ConfigDigest:   configDigest,
		ConfigBytes:    configBytes,
		Tags:           tags,
	}, nil
}

// assembleManifest builds the v2.2/OCI manifest bytes for this build: base
// layer descriptors (in manifest order) followed by one descriptor per
// application layer, matching the history order buildContainerConfig used.
func (r *run) assembleManifest(configDigest godigest.Digest, configSize int64, base *baseImage, appEntries []cache.Entry) (*v1.Manifest, []byte, error) {
	configDesc, err := image.Descriptor(r.plan.Format.ConfigMediaType(), configDigest, configSize)
	if err != nil {
		return nil, nil, step("BuildContainerConfig", err)
	}

	layerDescs := make([]v1.Descriptor, 0, len(base.layerDigests)+len(appEntries))
	for i, d := range base.layerDigests {
		size := int64(0)
		if i < len(base.layerSizes) {
			size = base.layerSizes[i]
		}
		desc, err := image.Descriptor(r.plan.Format.LayerMediaType(), d, size)
		if err != nil {
			return nil, nil, step("BuildContainerConfig", err)
		}
		layerDescs = append(layerDescs, desc)
	}
	for _, e := range appEntries {
		desc, err := image.Descriptor(r.plan.Format.LayerMediaType(), e.Digest, e.Size)
		if err != nil {
			return nil, nil, step("BuildContainerConfig", err)
		}
		layerDescs = append(layerDescs, desc)
	}

	manifest := image.BuildManifest(r.plan.Format, configDesc, layerDescs)
	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, nil, step("BuildContainerConfig", fmt.Errorf("marshal manifest: %w", err))
	}
	return manifest, raw, nil
}
