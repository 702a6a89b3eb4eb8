package buildengine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/partial"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"golang.org/x/sync/errgroup"

	godigest "github.com/opencontainers/go-digest"

	"github.com/kilnpack/kilnpack/lib/buildplan"
	"github.com/kilnpack/kilnpack/lib/cache"
)

// executeLocalExport implements the two output modes spec §4.6 describes as
// not touching the target registry at all: writing a docker-load-compatible
// tar to a file, or streaming the same tar straight into a local daemon.
// Base layers are pulled and cached (never pushed) so the tarball image
// below can read every layer's bytes purely from the cache.
func (r *run) executeLocalExport(ctx context.Context, base *baseImage, appEntries []cache.Entry, configFile *v1.ConfigFile, configBytes []byte) (*Result, error) {
	r.tracker.Complete("AuthenticatePush", "not applicable for local export")
	if err := r.materializeBaseLayers(ctx, base); err != nil {
		return nil, err
	}

	configDigest := godigest.FromBytes(configBytes)
	manifest, manifestRaw, err := r.assembleManifest(configDigest, int64(len(configBytes)), base, appEntries)
	if err != nil {
		return nil, err
	}
	r.tracker.Complete("PushContainerConfig", "config embedded in export tar")

	img, err := r.buildTarballImage(manifestRaw, configBytes, base, appEntries)
	if err != nil {
		return nil, step("PushManifest", err)
	}

	tags := append([]string{r.plan.TargetImage.Identifier()}, r.plan.ExtraTags...)
	refs := make([]name.Reference, 0, len(tags))
	for _, tag := range tags {
		full := fmt.Sprintf("%s/%s:%s", r.plan.TargetImage.Registry, r.plan.TargetImage.Repository, tag)
		parsed, err := name.NewTag(full)
		if err != nil {
			return nil, step("PushManifest", fmt.Errorf("invalid tag %q: %w", full, err))
		}
		refs = append(refs, parsed)
	}

	switch r.plan.Output.Mode {
	case buildplan.OutputTarFile:
		if err := writeTarFile(r.plan.Output.TarPath, img, refs); err != nil {
			return nil, step("PushManifest", err)
		}
	case buildplan.OutputDockerDaemon:
		if err := r.loadIntoDaemon(ctx, img, refs); err != nil {
			return nil, step("PushManifest", err)
		}
	}
	r.tracker.Complete("PushManifest", "exported locally")

	return &Result{
		Manifest:       manifest,
		ManifestDigest: godigest.FromBytes(manifestRaw),
		ManifestBytes:  manifestRaw,
		ConfigFile:     configFile,
		ConfigDigest:   configDigest,
		ConfigBytes:    configBytes,
		Tags:           tags,
		TarPath:        r.plan.Output.TarPath,
	}, nil
}

// materializeBaseLayers implements PushLayers for the local-export modes:
// every base layer is pulled into the cache (never uploaded anywhere) so
// buildTarballImage can read every layer purely from local storage.
func (r *run) materializeBaseLayers(ctx context.Context, base *baseImage) error {
	grp, gctx := errgroup.WithContext(ctx)
	for _, d := range base.layerDigests {
		d := d
		grp.Go(func() error {
			return r.withSlot(gctx, func() error {
				return step("PushLayers", r.ensureBaseLayerCached(gctx, d))
			})
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	r.tracker.Complete("PushLayers", "layers materialized locally")
	return nil
}

func (r *run) ensureBaseLayerCached(ctx context.Context, d godigest.Digest) error {
	if _, ok, err := r.engine.cache.ReadByDigest(d); err != nil {
		return err
	} else if ok {
		return nil
	}
	if r.plan.Offline {
		return fmt.Errorf("base layer %s: %w", d, ErrOfflineMiss)
	}
	rc, err := r.baseClient.PullBlob(ctx, r.plan.BaseImage.Repository, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = r.engine.cache.WriteBaseLayer(d, r.diffIDForBaseLayer(d), rc)
	return err
}

// cacheImageCore adapts the manifest/config bytes this build just produced
// plus its cache-backed layers into go-containerregistry's
// partial.CompressedImageCore, which partial.CompressedToImage turns into a
// full v1.Image that tarball.Write/WriteToFile can serialize.
type cacheImageCore struct {
	manifestRaw []byte
	configRaw   []byte
	mediaType   types.MediaType
	layers      map[v1.Hash]cacheLayer
}

func (c *cacheImageCore) RawConfigFile() ([]byte, error)      { return c.configRaw, nil }
func (c *cacheImageCore) MediaType() (types.MediaType, error) { return c.mediaType, nil }
func (c *cacheImageCore) RawManifest() ([]byte, error)        { return c.manifestRaw, nil }

func (c *cacheImageCore) LayerByDigest(h v1.Hash) (partial.CompressedLayer, error) {
	l, ok := c.layers[h]
	if !ok {
		return nil, fmt.Errorf("layer %s not present in build cache", h)
	}
	return l, nil
}

type cacheLayer struct {
	store     *cache.Store
	digest    godigest.Digest
	size      int64
	mediaType types.MediaType
}

func (l cacheLayer) Digest() (v1.Hash, error)                 { return v1.NewHash(l.digest.String()) }
func (l cacheLayer) Compressed() (io.ReadCloser, error)       { return l.store.Blob(l.digest) }
func (l cacheLayer) Size() (int64, error)                     { return l.size, nil }
func (l cacheLayer) MediaType() (types.MediaType, error)      { return l.mediaType, nil }

// buildTarballImage assembles the v1.Image go-containerregistry's tarball
// package needs to write a docker-load-compatible tar, backed entirely by
// the build cache rather than any in-memory layer copies.
func (r *run) buildTarballImage(manifestRaw, configRaw []byte, base *baseImage, appEntries []cache.Entry) (v1.Image, error) {
	core := &cacheImageCore{
		manifestRaw: manifestRaw,
		configRaw:   configRaw,
		mediaType:   r.plan.Format.ManifestMediaType(),
		layers:      make(map[v1.Hash]cacheLayer),
	}
	mediaType := r.plan.Format.LayerMediaType()
	for i, d := range base.layerDigests {
		h, err := v1.NewHash(d.String())
		if err != nil {
			return nil, err
		}
		size := int64(0)
		if i < len(base.layerSizes) {
			size = base.layerSizes[i]
		}
		core.layers[h] = cacheLayer{store: r.engine.cache, digest: d, size: size, mediaType: mediaType}
	}
	for _, e := range appEntries {
		h, err := v1.NewHash(e.Digest.String())
		if err != nil {
			return nil, err
		}
		core.layers[h] = cacheLayer{store: r.engine.cache, digest: e.Digest, size: e.Size, mediaType: mediaType}
	}
	return partial.CompressedToImage(core)
}

func writeTarFile(path string, img v1.Image, tags []name.Reference) error {
	if path == "" {
		return fmt.Errorf("tar output requires a destination path")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create tar output: %w", err)
	}
	defer f.Close()
	if err := tarball.MultiRefWrite(refToImage(tags, img), f); err != nil {
		return fmt.Errorf("write image tar: %w", err)
	}
	return nil
}

func (r *run) loadIntoDaemon(ctx context.Context, img v1.Image, tags []name.Reference) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("connect to local docker daemon: %w", err)
	}
	defer cli.Close()

	pr, pw := io.Pipe()
	grp, _ := errgroup.WithContext(ctx)
	grp.Go(func() error {
		err := tarball.MultiRefWrite(refToImage(tags, img), pw)
		pw.CloseWithError(err)
		return nil
	})

	resp, err := cli.ImageLoad(ctx, pr, client.ImageLoadWithQuiet(true))
	if err != nil {
		pr.Close()
		return fmt.Errorf("load image into daemon: %w", err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("read daemon load response: %w", err)
	}
	return grp.Wait()
}

func refToImage(tags []name.Reference, img v1.Image) map[name.Reference]v1.Image {
	m := make(map[name.Reference]v1.Image, len(tags))
	for _, t := range tags {
		m[t] = img
	}
	return m
}
