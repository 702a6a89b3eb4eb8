package buildengine

import (
	"context"
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/kilnpack/kilnpack/lib/cache"
)

// pushable is one layer (base or application) as the PushLayers step sees
// it: enough to probe, mount, or upload it without caring which kind of
// layer it came from.
type pushable struct {
	digest godigest.Digest
	isBase bool
}

// pushLayers implements the PushLayers step: per spec §4.6's "per-layer
// idempotence" policy, each layer is skipped if already present in the
// target repository, then attempted via cross-repository mount (base
// layers only, and only when base and target share a registry host), and
// only uploaded as a last resort. Layers run with bounded concurrency.
func (r *run) pushLayers(ctx context.Context, layers []pushable) error {
	sameHost := r.plan.BaseImage.Registry == r.plan.TargetImage.Registry
	grp, gctx := errgroup.WithContext(ctx)
	for _, l := range layers {
		l := l
		grp.Go(func() error {
			return r.withSlot(gctx, func() error {
				return step("PushLayers", r.pushOneLayer(gctx, l, sameHost))
			})
		})
	}
	err := grp.Wait()
	if err == nil {
		r.tracker.Complete("PushLayers", "all layers present in target repository")
	}
	return err
}

func (r *run) pushOneLayer(ctx context.Context, l pushable, sameHost bool) error {
	targetRepo := r.plan.TargetImage.Repository

	has, _, err := r.targetClient.HasBlob(ctx, targetRepo, l.digest)
	if err != nil {
		return err
	}
	if has {
		r.recordLayerOperation(ctx, "cached", l.digest, 0)
		return nil
	}

	if l.isBase && sameHost {
		mounted, err := r.targetClient.MountBlob(ctx, targetRepo, l.digest, r.plan.BaseImage.Repository)
		if err != nil {
			return err
		}
		if mounted {
			r.recordLayerOperation(ctx, "mounted", l.digest, 0)
			return nil
		}
	}

	rc, size, err := r.openLayerBlob(ctx, l)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := r.targetClient.PushBlob(ctx, targetRepo, l.digest, size, rc); err != nil {
		return err
	}
	r.recordLayerOperation(ctx, "uploaded", l.digest, size)
	return nil
}

// openLayerBlob returns the bytes of l, pulling and caching a base layer
// from the base registry first if the cache doesn't already hold it (spec
// §4.6: "the pull path runs only when the engine needs to materialize a
// base layer locally").
func (r *run) openLayerBlob(ctx context.Context, l pushable) (io.ReadCloser, int64, error) {
	entry, ok, err := r.engine.cache.ReadByDigest(l.digest)
	if err != nil {
		return nil, 0, err
	}
	if ok {
		rc, err := r.engine.cache.Blob(l.digest)
		return rc, entry.Size, err
	}
	if !l.isBase {
		return nil, 0, cache.ErrNotFound
	}
	if r.plan.Offline {
		return nil, 0, fmt.Errorf("base layer %s: %w", l.digest, ErrOfflineMiss)
	}

	rc, err := r.baseClient.PullBlob(ctx, r.plan.BaseImage.Repository, l.digest)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	diffID := r.diffIDForBaseLayer(l.digest)
	entry, err = r.engine.cache.WriteBaseLayer(l.digest, diffID, rc)
	if err != nil {
		return nil, 0, err
	}
	blob, err := r.engine.cache.Blob(entry.Digest)
	return blob, entry.Size, err
}
