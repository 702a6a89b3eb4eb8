package image

import (
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	godigest "github.com/opencontainers/go-digest"
)

// Kind discriminates the manifest flavors spec §9 calls out as "class
// hierarchy -> tagged variants": legacy schema 1 (read-only), a
// single-platform v2.2/OCI manifest, or a multi-platform list/index.
type Kind int

const (
	KindManifest Kind = iota
	KindList
	KindSchema1
)

// Pulled is a manifest as read off the wire: the raw bytes (needed to
// recompute the digest when the registry doesn't advertise one), the parsed
// form appropriate to its Kind, and the digest under which it was fetched or
// addressed.
type Pulled struct {
	Kind      Kind
	Raw       []byte
	MediaType string
	Digest    godigest.Digest

	Manifest *v1.Manifest      // set when Kind == KindManifest
	Index    *v1.IndexManifest // set when Kind == KindList
	Schema1  *Schema1Manifest  // set when Kind == KindSchema1
}

// sniff is the minimal structure needed to discriminate a manifest's kind
// before fully parsing it.
type sniff struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Manifests     json.RawMessage `json:"manifests"`
}

// ParseManifest discriminates and parses raw manifest bytes fetched under
// digest. Schema 1 manifests (SchemaVersion == 1, or no mediaType and no
// "manifests" field) are recognized read-only, per spec's explicit
// non-goal on schema-1 writes.
func ParseManifest(raw []byte, digest godigest.Digest) (*Pulled, error) {
	var s sniff
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	p := &Pulled{Raw: raw, MediaType: s.MediaType, Digest: digest}

	switch {
	case s.SchemaVersion == 1 || (isSchema1(s.MediaType) && s.Manifests == nil):
		var m Schema1Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse schema1 manifest: %w", err)
		}
		p.Kind = KindSchema1
		p.Schema1 = &m
	case isManifestList(s.MediaType) || (s.MediaType == "" && s.Manifests != nil):
		var idx v1.IndexManifest
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("parse manifest list/index: %w", err)
		}
		p.Kind = KindList
		p.Index = &idx
	default:
		var m v1.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		p.Kind = KindManifest
		p.Manifest = &m
	}

	return p, nil
}

// SelectPlatform picks the sub-manifest descriptor matching platform out of
// a manifest list/index. Spec requires the error, on no match, to name the
// platforms actually present.
func SelectPlatform(index *v1.IndexManifest, platform Platform) (v1.Descriptor, error) {
	var present []string
	for _, d := range index.Manifests {
		if d.Platform == nil {
			continue
		}
		present = append(present, d.Platform.OS+"/"+d.Platform.Architecture)
		if d.Platform.OS == platform.OS && d.Platform.Architecture == platform.Architecture {
			return d, nil
		}
	}
	return v1.Descriptor{}, fmt.Errorf("no manifest for platform %s in list; available: %v", platform, present)
}

// BuildManifest assembles a v2.2 or OCI single-platform manifest (spec
// §4.5) from a config descriptor and ordered layer descriptors. Writes are
// restricted to these two families; callers never need to build a schema 1
// manifest or a list — spec's explicit non-goals.
func BuildManifest(format Format, config v1.Descriptor, layers []v1.Descriptor) *v1.Manifest {
	return &v1.Manifest{
		SchemaVersion: 2,
		MediaType:     format.ManifestMediaType(),
		Config:        config,
		Layers:        layers,
	}
}

// Descriptor builds a v1.Descriptor from a digest.BlobDescriptor-shaped
// triple, the common currency between lib/digest's output and the manifest
// types above.
func Descriptor(mediaType types.MediaType, d godigest.Digest, size int64) (v1.Descriptor, error) {
	h, err := v1.NewHash(d.String())
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("convert digest: %w", err)
	}
	return v1.Descriptor{MediaType: mediaType, Digest: h, Size: size}, nil
}
