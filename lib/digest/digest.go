// Package digest implements the streaming SHA-256 and dual-digest gzip
// primitives the rest of kilnpack builds on: every layer blob, manifest, and
// container config that crosses the wire is named by a digest computed here.
package digest

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// BlobDescriptor identifies a blob by its content digest, size in bytes, and
// (optionally) the media type it will be advertised under. Digest is
// immutable once computed; Size is always non-negative.
type BlobDescriptor struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// countingWriter counts bytes written through it without buffering them.
type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// Compute streams r through a SHA-256 digester, optionally tee-ing the bytes
// to out, and returns the resulting BlobDescriptor. Compute never closes r
// or out; closing is the caller's responsibility. mediaType is stamped onto
// the returned descriptor as-is (Compute does not inspect content to infer
// it).
func Compute(r io.Reader, out io.Writer, mediaType string) (BlobDescriptor, error) {
	digester := digest.Canonical.Digester()
	counter := &countingWriter{}

	var dst io.Writer = io.MultiWriter(digester.Hash(), counter)
	if out != nil {
		dst = io.MultiWriter(dst, out)
	}

	if _, err := io.Copy(dst, r); err != nil {
		return BlobDescriptor{}, err
	}

	return BlobDescriptor{
		Digest:    digester.Digest(),
		Size:      counter.n,
		MediaType: mediaType,
	}, nil
}
