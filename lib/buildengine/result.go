package buildengine

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"
	godigest "github.com/opencontainers/go-digest"
)

// Result is what a completed build produced.
type Result struct {
	Manifest       *v1.Manifest
	ManifestDigest godigest.Digest
	ManifestBytes  []byte

	ConfigFile    *v1.ConfigFile
	ConfigDigest  godigest.Digest
	ConfigBytes   []byte

	// Tags lists the primary target tag, then ExtraTags, in that order: the
	// tags the manifest was confirmed pushed under for registry output, or
	// the tags written into the export for local output.
	Tags []string

	// TarPath is set for OutputTarFile builds.
	TarPath string
}
