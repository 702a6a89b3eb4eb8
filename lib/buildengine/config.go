package buildengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	godigest "github.com/opencontainers/go-digest"

	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/digest"
	"github.com/kilnpack/kilnpack/lib/image"
)

// buildContainerConfig implements the BuildContainerConfig step: the base
// image's own history is carried forward unchanged, then one history entry
// per application layer is appended, in the same order those layers appear
// in the manifest (spec §4.6's ordering guarantee).
func (r *run) buildContainerConfig(base *baseImage, appEntries []cache.Entry) (*v1.ConfigFile, []byte, error) {
	history := append([]image.HistoryEntry(nil), base.history...)
	for _, e := range appEntries {
		history = append(history, image.HistoryEntry{
			CreatedBy: "kilnpack",
			DiffID:    e.DiffID,
		})
	}

	cfg := image.ContainerConfig{
		Entrypoint:   r.plan.Config.Entrypoint,
		Cmd:          r.plan.Config.Cmd,
		Env:          r.plan.Config.Env,
		Labels:       r.plan.Config.Labels,
		ExposedPorts: r.plan.Config.ExposedPorts,
		Volumes:      r.plan.Config.Volumes,
		User:         r.plan.Config.User,
		WorkingDir:   r.plan.Config.WorkingDir,
		Platform:     r.plan.Platform,
		Created:      r.plan.Config.Created,
	}
	if cfg.Platform == (image.Platform{}) {
		cfg.Platform = image.Platform{OS: base.configFile.OS, Architecture: base.configFile.Architecture}
	}

	built, err := image.BuildConfigFile(cfg, history)
	if err != nil {
		return nil, nil, step("BuildContainerConfig", err)
	}

	raw, err := json.Marshal(built)
	if err != nil {
		return nil, nil, step("BuildContainerConfig", fmt.Errorf("marshal container config: %w", err))
	}
	r.tracker.Complete("BuildContainerConfig", "assembled")
	return built, raw, nil
}

// pushContainerConfig implements PushContainerConfig: the config blob is
// small enough that it is always pushed monolithically, and is never a
// mount candidate (it is unique to this build by construction).
func (r *run) pushContainerConfig(ctx context.Context, raw []byte) (godigest.Digest, error) {
	bd, err := digest.Compute(bytes.NewReader(raw), nil, string(r.plan.Format.ConfigMediaType()))
	if err != nil {
		return "", step("PushContainerConfig", err)
	}

	targetRepo := r.plan.TargetImage.Repository
	has, _, err := r.targetClient.HasBlob(ctx, targetRepo, bd.Digest)
	if err != nil {
		return "", step("PushContainerConfig", err)
	}
	if !has {
		if err := r.targetClient.PushBlob(ctx, targetRepo, bd.Digest, bd.Size, bytes.NewReader(raw)); err != nil {
			return "", step("PushContainerConfig", err)
		}
	}
	r.tracker.Complete("PushContainerConfig", "pushed")
	return bd.Digest, nil
}

// pushManifest implements PushManifest: the primary target tag is pushed
// first, then the identical bytes are re-pushed under each extra tag (spec
// §4.6's "+ extra tags").
func (r *run) pushManifest(ctx context.Context, raw []byte, mediaType string) (godigest.Digest, []string, error) {
	targetRepo := r.plan.TargetImage.Repository
	d, err := r.targetClient.PushManifest(ctx, targetRepo, r.plan.TargetImage.Identifier(), raw, mediaType)
	if err != nil {
		return "", nil, step("PushManifest", err)
	}
	tags := []string{r.plan.TargetImage.Identifier()}
	for _, tag := range r.plan.ExtraTags {
		if _, err := r.targetClient.PushManifest(ctx, targetRepo, tag, raw, mediaType); err != nil {
			return "", nil, step("PushManifest", fmt.Errorf("extra tag %q: %w", tag, err))
		}
		tags = append(tags, tag)
	}
	r.tracker.Complete("PushManifest", "pushed")
	return d, tags, nil
}
