// Package image implements the Image Model component of spec §4.5: image
// reference parsing, the layer/tar/selector primitives of §4.2's input, and
// the Docker v2.2 / OCI manifest and container-config serializers that must
// be bit-exact with the registry wire format.
package image

import (
	"fmt"

	"github.com/distribution/reference"
)

// DefaultRegistry is substituted when a reference names no registry host,
// per spec §3's ImageReference invariant.
const DefaultRegistry = "registry-1.docker.io"

// Reference identifies an image: a registry host, a repository path, and
// exactly one of Tag or Digest (Tag defaults to "latest" when the input
// names neither).
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string // "" unless the reference pinned a digest
}

// ParseReference parses s using the same normalization rules `docker pull`
// and the Docker Hub registry apply — the `library/` implied prefix for
// single-segment repositories and the registry-1.docker.io default — by
// delegating to distribution/reference rather than re-deriving those rules.
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", s, err)
	}

	ref := Reference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if ref.Registry == "docker.io" {
		// distribution/reference names Docker Hub "docker.io"; its registry
		// API is served from registry-1.docker.io.
		ref.Registry = DefaultRegistry
	}

	switch v := named.(type) {
	case reference.Canonical:
		ref.Digest = v.Digest().String()
	case reference.NamedTagged:
		ref.Tag = v.Tag()
	default:
		ref.Tag = "latest"
	}

	return ref, nil
}

// Identifier returns the tag or digest the reference pins, preferring the
// digest when both would otherwise be present (they never are, by
// construction of ParseReference, but String()'s other caller — manual
// Reference construction — might set both).
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest
	}
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}

// String renders the reference back to its canonical wire form, e.g.
// "registry-1.docker.io/library/alpine:3.18" or "myregistry.io/app@sha256:...".
func (r Reference) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Identifier())
}

// CacheKey is the normalized string used to key the base-image manifest
// cache (spec §4.2's manifests/<image-hex> entries) — identical to String()
// but named distinctly since it is a load-bearing on-disk key, not just a
// display form.
func (r Reference) CacheKey() string {
	return r.String()
}
