package image

import (
	"os"
	"time"

	godigest "github.com/opencontainers/go-digest"
)

// LayerEntry is one file or directory to place into an application layer.
// SourcePath is read from the host filesystem; ExtractionPath is where it
// lands in the container and must be absolute POSIX (spec §3). A directory
// entry does not imply recursive inclusion of its children — each child
// that should appear in the layer needs its own LayerEntry.
type LayerEntry struct {
	SourcePath     string
	ExtractionPath string
	Mode           os.FileMode
	ModifiedTime   time.Time
}

// DefaultFileMode and DefaultDirMode are applied when a LayerEntry's Mode
// is zero, per spec §9's provider-function defaults (0644/0755).
const (
	DefaultFileMode os.FileMode = 0644
	DefaultDirMode  os.FileMode = 0755
)

func (e LayerEntry) modeOrDefault(isDir bool) os.FileMode {
	if e.Mode != 0 {
		return e.Mode
	}
	if isDir {
		return DefaultDirMode
	}
	return DefaultFileMode
}

// Platform identifies an (os, architecture) pair for manifest-list
// selection and container config emission.
type Platform struct {
	OS           string
	Architecture string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Architecture
}

// Layer is either a set of entries to be tarred and compressed by the Build
// Engine, or a reference to an already-known (digest, diffID, size) triple —
// the case for an application layer the caller already has (e.g. built by a
// previous build) that doesn't need to be re-derived locally. Base-image
// layers come from the base manifest, not from this type.
type Layer struct {
	Entries []LayerEntry // nil when Existing is set

	Existing bool
	Digest   godigest.Digest
	DiffID   godigest.Digest
	Size     int64
}
