package image

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kilnpack/kilnpack/lib/digest"
	godigest "github.com/opencontainers/go-digest"
)

// Selector computes the deterministic cache-key fingerprint for an
// application layer's inputs (spec §4.2's "Selector computation"): a hash
// over the sorted sequence of (extraction path, source content digest,
// permissions, modified time) tuples. Changing any field of any entry
// changes the selector; identical inputs always produce the same selector,
// regardless of the order LayerEntry values were supplied in.
func Selector(entries []LayerEntry) (string, error) {
	sorted := make([]LayerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExtractionPath < sorted[j].ExtractionPath })

	digester := godigest.Canonical.Digester()
	for _, e := range sorted {
		contentDigest, isDir, err := sourceFingerprint(e.SourcePath)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", e.SourcePath, err)
		}
		fmt.Fprintf(digester.Hash(), "%s\x00%s\x00%o\x00%d\x00%t\n",
			e.ExtractionPath, contentDigest, e.modeOrDefault(isDir), e.ModifiedTime.UnixNano(), isDir)
	}
	return digester.Digest().String(), nil
}

// sourceFingerprint returns a content digest for path: the SHA-256 of its
// bytes for a regular file, or a digest of its name for a directory (whose
// "content" is its presence, not bytes — recursion is explicit per-entry,
// not implied).
func sourceFingerprint(path string) (godigest.Digest, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return godigest.FromString("dir:" + path), true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	desc, err := digest.Compute(f, io.Discard, "")
	if err != nil {
		return "", false, err
	}
	return desc.Digest, false, nil
}
