package image

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/kilnpack/kilnpack/lib/digest"
)

func defaultModTime() time.Time { return digest.EpochPlusOne() }

// BuildLayerTar writes entries to w as a tar stream, sorted by extraction
// path (spec §4.5's reproducibility rule), with every header carrying a
// fixed numeric owner (uid=gid=0) and the entry's modified time defaulted to
// epoch+1s when unset, so identical inputs always produce byte-identical
// tar bytes.
//
// No ecosystem library in the retrieved corpus offers deterministic tar
// construction from an explicit entry list (umoci's `oci/layer` package
// only derives layers from a filesystem diff, which doesn't fit the
// caller-supplied-entries model here) — archive/tar is used directly; see
// DESIGN.md.
func BuildLayerTar(entries []LayerEntry, w io.Writer) error {
	sorted := make([]LayerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExtractionPath < sorted[j].ExtractionPath })

	tw := tar.NewWriter(w)
	for _, e := range sorted {
		if err := writeEntry(tw, e); err != nil {
			return fmt.Errorf("tar entry %s: %w", e.ExtractionPath, err)
		}
	}
	return tw.Close()
}

func writeEntry(tw *tar.Writer, e LayerEntry) error {
	info, err := os.Stat(e.SourcePath)
	if err != nil {
		return err
	}

	name := path.Clean("/" + e.ExtractionPath)[1:]
	modTime := e.ModifiedTime
	if modTime.IsZero() {
		modTime = defaultModTime()
	}

	if info.IsDir() {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     int64(e.modeOrDefault(true)),
			ModTime:  modTime,
			Uid:      0,
			Gid:      0,
		}
		return tw.WriteHeader(hdr)
	}

	f, err := os.Open(e.SourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     int64(e.modeOrDefault(false)),
		ModTime:  modTime,
		Uid:      0,
		Gid:      0,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
