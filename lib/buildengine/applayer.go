package buildengine

import (
	"context"
	"errors"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/digest"
	"github.com/kilnpack/kilnpack/lib/image"
)

// buildApplicationLayer implements the BuildApplicationLayers step for one
// user-supplied layer (spec §4.6). A cache hit (by selector) does no
// tarring, compression or blob write — the "cache hit identity" property of
// spec §8 — though computing the selector still reads and hashes every
// source file.
func (r *run) buildApplicationLayer(ctx context.Context, layer image.Layer) (cache.Entry, error) {
	if layer.Existing {
		return cache.Entry{Digest: layer.Digest, DiffID: layer.DiffID, Size: layer.Size}, nil
	}

	selector, err := image.Selector(layer.Entries)
	if err != nil {
		return cache.Entry{}, step("BuildApplicationLayers", err)
	}

	entry, ok, err := r.engine.cache.ReadBySelector(selector)
	switch {
	case err == nil && ok:
		return entry, nil
	case errors.Is(err, cache.ErrCorrupted):
		r.log.Warn("cache repaired: rebuilding application layer", "selector", selector)
	case err != nil:
		return cache.Entry{}, step("BuildApplicationLayers", err)
	}

	entry, err = r.rebuildApplicationLayer(selector, layer.Entries)
	if err != nil {
		return cache.Entry{}, step("BuildApplicationLayers", err)
	}
	return entry, nil
}

// rebuildApplicationLayer tars entries, gzips the tar through a single tee
// (spec §9's "dual-digest streaming"), spools the compressed bytes to a
// temp file, and hands that file to the cache to claim (or discover a
// concurrent winner for) the digest-keyed directory.
func (r *run) rebuildApplicationLayer(selector string, entries []image.LayerEntry) (cache.Entry, error) {
	pr, pw := os.Pipe()
	defer pr.Close()

	tarErrCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		tarErrCh <- image.BuildLayerTar(entries, pw)
	}()

	tmp, err := os.CreateTemp("", "kilnpack-layer-*.tmp")
	if err != nil {
		return cache.Entry{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	gz, err := digest.GzipCompress(pr, tmp, gzip.BestCompression)
	if tarErr := <-tarErrCh; tarErr != nil {
		return cache.Entry{}, tarErr
	}
	if err != nil {
		return cache.Entry{}, err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return cache.Entry{}, err
	}

	return r.engine.cache.WriteLayer(selector, tmp, gz.DiffID, gz.UncompressedSize)
}
