package digest

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// GzipResult carries both halves of the dual-digest relationship §4.1
// requires: DiffID names the uncompressed tar (referenced by the container
// config's rootfs.diff_ids), Digest names the gzipped bytes actually stored
// by the registry (referenced by the manifest and blob endpoints).
type GzipResult struct {
	Digest           digest.Digest
	Size             int64
	DiffID           digest.Digest
	UncompressedSize int64
}

// GzipCompress streams r through gzip exactly once, writing the compressed
// bytes to out while computing both digests concurrently via a tee — it
// never buffers the whole layer in memory and never re-reads r.
//
// compressionLevel follows the gzip package's levels; callers building
// reproducible layers should pass gzip.BestCompression so layer bytes (and
// therefore Digest) depend only on content, not on an ambient default that
// might change between Go/klauspost releases.
func GzipCompress(r io.Reader, out io.Writer, compressionLevel int) (GzipResult, error) {
	diffIDDigester := digest.Canonical.Digester()
	diffIDCounter := &countingWriter{}
	teedInput := io.TeeReader(r, io.MultiWriter(diffIDDigester.Hash(), diffIDCounter))

	compressedDigester := digest.Canonical.Digester()
	compressedCounter := &countingWriter{}
	compressedDst := io.MultiWriter(out, compressedDigester.Hash(), compressedCounter)

	gw, err := gzip.NewWriterLevel(compressedDst, compressionLevel)
	if err != nil {
		return GzipResult{}, err
	}
	// Fixed mtime so identical content produces an identical gzip header,
	// independent of wall-clock time (reproducibility, spec §4.5/§8).
	gw.ModTime = epoch

	if _, err := io.Copy(gw, teedInput); err != nil {
		gw.Close()
		return GzipResult{}, err
	}
	if err := gw.Close(); err != nil {
		return GzipResult{}, err
	}

	return GzipResult{
		Digest:           compressedDigester.Digest(),
		Size:             compressedCounter.n,
		DiffID:           diffIDDigester.Digest(),
		UncompressedSize: diffIDCounter.n,
	}, nil
}
