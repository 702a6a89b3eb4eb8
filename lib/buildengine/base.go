package buildengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	godigest "github.com/opencontainers/go-digest"

	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/digest"
	"github.com/kilnpack/kilnpack/lib/image"
)

// baseImage is everything downstream steps need to know about the
// resolved, single-platform base image: its manifest, its container
// config, and its layer digests in base-to-application order.
type baseImage struct {
	manifestDigest godigest.Digest
	configFile     *v1.ConfigFile
	layerDigests   []godigest.Digest // compressed/on-wire digest, oldest first
	layerSizes     []int64           // parallel to layerDigests
	// history carries the base config's own per-layer provenance, zipped
	// back up with each layer's diffID so BuildContainerConfig can prepend
	// it verbatim ahead of the application layers' new history entries.
	history []image.HistoryEntry
}

// loadBaseImage implements the PullBaseManifest -> (PullBaseConfig |
// manifest-list platform selection) portion of spec §4.6's step graph.
// Offline builds are served solely from the manifest/config cache (spec
// §4.6's offline policy, §8 scenario 5); online builds populate that cache
// on the way out so a later offline build (or a cache-corruption repair)
// can reuse it.
func (r *run) loadBaseImage(ctx context.Context) (*baseImage, error) {
	ref := r.plan.BaseImage
	key := ref.CacheKey()

	if r.plan.Offline {
		manifestBytes, configBytes, ok, err := r.engine.cache.ReadManifestMeta(key)
		if err != nil {
			return nil, step("PullBaseManifest", err)
		}
		if !ok {
			return nil, step("PullBaseManifest", fmt.Errorf("%s: %w", key, ErrOfflineMiss))
		}
		bi, err := parseCachedBaseImage(manifestBytes, configBytes)
		if err != nil {
			return nil, step("PullBaseConfig", err)
		}
		r.tracker.Complete("PullBaseManifest", "served from cache (offline)")
		r.tracker.Complete("PullBaseConfig", "served from cache (offline)")
		return bi, nil
	}

	pulled, err := r.baseClient.PullManifest(ctx, ref.Repository, ref.Identifier())
	if err != nil {
		return nil, step("PullBaseManifest", err)
	}
	if pulled.Kind == image.KindList {
		desc, err := image.SelectPlatform(pulled.Index, r.plan.Platform)
		if err != nil {
			return nil, step("PullBaseManifest", err)
		}
		pulled, err = r.baseClient.PullManifest(ctx, ref.Repository, desc.Digest.String())
		if err != nil {
			return nil, step("PullBaseManifest", err)
		}
	}
	r.tracker.Complete("PullBaseManifest", "pulled from registry")

	switch pulled.Kind {
	case image.KindSchema1:
		bi, err := r.loadSchema1Config(ctx, pulled)
		if err != nil {
			return nil, step("PullBaseConfig", err)
		}
		r.tracker.Complete("PullBaseConfig", "synthesized from schema1 history")
		return bi, nil

	case image.KindManifest:
		configBytes, configFile, err := r.pullBaseConfigBlob(ctx, ref.Repository, pulled.Manifest.Config)
		if err != nil {
			return nil, step("PullBaseConfig", err)
		}
		if len(pulled.Manifest.Layers) != len(configFile.RootFS.DiffIDs) {
			return nil, step("PullBaseConfig", fmt.Errorf("%w: manifest has %d layers, config has %d diff_ids",
				errLayerCountMismatch, len(pulled.Manifest.Layers), len(configFile.RootFS.DiffIDs)))
		}
		if err := r.engine.cache.WriteManifestMeta(key, pulled.Raw, configBytes); err != nil {
			r.log.Warn("failed to cache base image metadata", "error", err)
		}
		r.tracker.Complete("PullBaseConfig", "pulled from registry")
		bi, err := buildBaseImage(pulled.Digest, configFile)
		if err != nil {
			return nil, err
		}
		for _, l := range pulled.Manifest.Layers {
			ld, err := godigest.Parse(l.Digest.String())
			if err != nil {
				return nil, fmt.Errorf("parse base layer digest: %w", err)
			}
			bi.layerDigests = append(bi.layerDigests, ld)
			bi.layerSizes = append(bi.layerSizes, l.Size)
		}
		return bi, nil

	default:
		return nil, step("PullBaseConfig", fmt.Errorf("unsupported base manifest kind"))
	}
}

var errLayerCountMismatch = fmt.Errorf("layer count mismatch")

func emptyHistoryCount(history []v1.History) int {
	n := 0
	for _, h := range history {
		if h.EmptyLayer {
			n++
		}
	}
	return n
}

// buildBaseImage zips a config's RootFS.DiffIDs back up against its History
// entries (only non-empty-layer entries carry a diffID) to produce the
// HistoryEntry list BuildContainerConfig can prepend application layers to.
func buildBaseImage(manifestDigest godigest.Digest, cfg *v1.ConfigFile) (*baseImage, error) {
	var history []image.HistoryEntry
	diffIdx := 0
	for _, h := range cfg.History {
		he := image.HistoryEntry{
			Created:    h.Created.Time,
			Author:     h.Author,
			CreatedBy:  h.CreatedBy,
			Comment:    h.Comment,
			EmptyLayer: h.EmptyLayer,
		}
		if !h.EmptyLayer {
			if diffIdx >= len(cfg.RootFS.DiffIDs) {
				return nil, fmt.Errorf("%w: history names more non-empty layers than rootfs.diff_ids provides", errLayerCountMismatch)
			}
			d, err := godigest.Parse(cfg.RootFS.DiffIDs[diffIdx].String())
			if err != nil {
				return nil, fmt.Errorf("parse base diff_id: %w", err)
			}
			he.DiffID = d
			diffIdx++
		}
		history = append(history, he)
	}

	// Layer digests (compressed, on-wire) come from the manifest, not the
	// config; callers attach them onto the returned value once they have
	// the manifest in hand.
	return &baseImage{manifestDigest: manifestDigest, configFile: cfg, history: history}, nil
}

// digestToDiffID zips bi.layerDigests (in manifest order) back up against
// the non-empty-layer history entries that produced them, so a base layer
// pulled fresh during PushLayers can be cached under the diffID its own
// config already committed to, instead of recomputing one that might not
// byte-for-byte match a legacy base image's original compression.
func (bi *baseImage) digestToDiffID() map[godigest.Digest]godigest.Digest {
	m := make(map[godigest.Digest]godigest.Digest, len(bi.layerDigests))
	i := 0
	for _, h := range bi.history {
		if h.EmptyLayer {
			continue
		}
		if i >= len(bi.layerDigests) {
			break
		}
		m[bi.layerDigests[i]] = h.DiffID
		i++
	}
	return m
}

// pullBaseConfigBlob fetches and verifies the config blob named by desc.
func (r *run) pullBaseConfigBlob(ctx context.Context, repository string, desc v1.Descriptor) ([]byte, *v1.ConfigFile, error) {
	want, err := godigest.Parse(desc.Digest.String())
	if err != nil {
		return nil, nil, fmt.Errorf("parse config digest: %w", err)
	}
	rc, err := r.baseClient.PullBlob(ctx, repository, want)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	var buf []byte
	bd, err := digest.Compute(rc, writeTo(&buf), "")
	if err != nil {
		return nil, nil, fmt.Errorf("read config blob: %w", err)
	}
	if bd.Digest != want {
		return nil, nil, fmt.Errorf("%w: config blob: expected %s, got %s", errDigestMismatch, want, bd.Digest)
	}

	cfg, err := parseConfigFile(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf, cfg, nil
}

var errDigestMismatch = fmt.Errorf("digest mismatch")

func parseConfigFile(raw []byte) (*v1.ConfigFile, error) {
	var cfg v1.ConfigFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse container config: %w", err)
	}
	return &cfg, nil
}

func parseCachedBaseImage(manifestBytes, configBytes []byte) (*baseImage, error) {
	d := godigest.FromBytes(manifestBytes)
	pulled, err := image.ParseManifest(manifestBytes, d)
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfigFile(configBytes)
	if err != nil {
		return nil, err
	}
	bi, err := buildBaseImage(d, cfg)
	if err != nil {
		return nil, err
	}
	if pulled.Kind == image.KindManifest {
		for _, l := range pulled.Manifest.Layers {
			ld, err := godigest.Parse(l.Digest.String())
			if err != nil {
				return nil, fmt.Errorf("parse cached layer digest: %w", err)
			}
			bi.layerDigests = append(bi.layerDigests, ld)
			bi.layerSizes = append(bi.layerSizes, l.Size)
		}
	}
	return bi, nil
}

// loadSchema1Config synthesizes a minimal v1.ConfigFile for a legacy
// schema-1 base image, which carries no separate config blob. Schema 1 is
// read-only (spec §1's non-goal on writing it); this is only ever a
// starting point that gets wholly superseded by the v2.2/OCI config this
// build produces.
func (r *run) loadSchema1Config(ctx context.Context, pulled *image.Pulled) (*baseImage, error) {
	layerDigests := make([]godigest.Digest, 0, len(pulled.Schema1.FSLayers))
	layerSizes := make([]int64, 0, len(pulled.Schema1.FSLayers))
	for _, d := range pulled.Schema1.LayerDigests() {
		parsed, err := godigest.Parse(d)
		if err != nil {
			return nil, fmt.Errorf("parse schema1 layer digest: %w", err)
		}
		layerDigests = append(layerDigests, parsed)

		// Schema 1 manifests don't carry layer sizes; stat the blob since
		// BuildManifest's descriptors need an accurate one.
		_, size, err := r.baseClient.HasBlob(ctx, r.plan.BaseImage.Repository, parsed)
		if err != nil {
			return nil, fmt.Errorf("stat schema1 layer %s: %w", parsed, err)
		}
		layerSizes = append(layerSizes, size)
	}

	arch := pulled.Schema1.Architecture
	if arch == "" {
		arch = "amd64"
	}
	cfg := &v1.ConfigFile{
		Architecture: arch,
		OS:           "linux",
		Created:      v1.Time{Time: digest.EpochPlusOne()},
	}
	history := make([]image.HistoryEntry, len(layerDigests))
	for i := range history {
		history[i] = image.HistoryEntry{Created: digest.EpochPlusOne(), CreatedBy: "schema1 base layer"}
	}
	return &baseImage{manifestDigest: pulled.Digest, configFile: cfg, layerDigests: layerDigests, layerSizes: layerSizes, history: history}, nil
}

// writeTo adapts a *[]byte into an io.Writer for digest.Compute's optional
// tee, so pullBaseConfigBlob gets both the verified digest and the raw
// bytes in one streaming pass.
func writeTo(dst *[]byte) io.Writer { return (*byteSink)(dst) }

type byteSink []byte

func (s *byteSink) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
