package image

import "github.com/google/go-containerregistry/pkg/v1/types"

// Format selects the manifest/config media-type family a build targets
// (spec §6's "target format" build-plan field). Reads always accept both
// families plus legacy schema 1 and manifest lists/indexes (spec §4.5);
// only writes are restricted to one family.
type Format int

const (
	FormatDocker Format = iota
	FormatOCI
)

func (f Format) ManifestMediaType() types.MediaType {
	if f == FormatOCI {
		return types.OCIManifestSchema1
	}
	return types.DockerManifestSchema2
}

func (f Format) ConfigMediaType() types.MediaType {
	if f == FormatOCI {
		return types.OCIConfigJSON
	}
	return types.DockerConfigJSON
}

func (f Format) LayerMediaType() types.MediaType {
	if f == FormatOCI {
		return types.OCILayer
	}
	return types.DockerLayer
}

// isManifestList reports whether mediaType names a multi-platform manifest
// list or OCI index rather than a single-platform manifest.
func isManifestList(mediaType string) bool {
	switch types.MediaType(mediaType) {
	case types.DockerManifestList, types.OCIImageIndex:
		return true
	default:
		return false
	}
}

// isSchema1 reports whether mediaType (or its absence, since schema 1
// manifests predate the mediaType field) names a legacy schema-1 manifest.
func isSchema1(mediaType string) bool {
	switch types.MediaType(mediaType) {
	case types.DockerManifestSchema1, types.DockerManifestSchema1Signed, "":
		return true
	default:
		return false
	}
}
