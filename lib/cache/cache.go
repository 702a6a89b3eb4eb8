// Package cache implements the content-addressed on-disk layer cache
// described in spec §4.2: compressed application-layer blobs keyed by a
// selector fingerprint over their inputs, pulled base-layer blobs keyed by
// digest, and pulled base-image manifest/config pairs keyed by image
// reference. Every write lands via create-temp-then-rename so concurrent
// writers for the same key collapse to a single winner (spec §5), the same
// pattern the teacher's lib/registry/blob_store.go uses for its filesystem
// blob store.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	godigest "github.com/opencontainers/go-digest"
)

// ErrNotFound is returned by Blob when the blob file is absent. The Read*
// methods report a key with no entry through their ok result instead.
var ErrNotFound = errors.New("cache: not found")

// ErrCorrupted is returned when a selector points at a digest whose blob (or
// sibling metadata) is missing — spec §7's CacheCorrupted condition. Readers
// that get this back have already had the bad selector file removed by the
// Store and should rebuild and re-write the layer.
var ErrCorrupted = errors.New("cache: selector pointed at an incomplete entry (repaired)")

// Store is a content-addressed on-disk store rooted at a single directory.
type Store struct {
	root string
	log  *slog.Logger
}

// New creates a Store rooted at root, creating the directory tree if
// necessary.
func New(root string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, sub := range []string{"layers", "selectors", "manifests"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", sub, err)
		}
	}
	return &Store{root: root, log: log}, nil
}

// Entry describes a cached compressed layer blob.
type Entry struct {
	Digest           godigest.Digest
	Size             int64
	DiffID           godigest.Digest
	UncompressedSize int64
}

func (s *Store) layerDir(d godigest.Digest) string {
	return filepath.Join(s.root, "layers", digestHex(d))
}

func digestHex(d godigest.Digest) string {
	return d.Encoded()
}

func selectorHex(selector string) string {
	sum := sha256.Sum256([]byte(selector))
	return hex.EncodeToString(sum[:])
}

// writeAtomic writes data to path via a sibling .tmp file, fsync, and
// rename, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0644)
	if err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteLayer stores a selector-keyed compressed layer blob. r is the
// compressed (gzipped) tar; the caller has already computed diffID (the
// uncompressed tar's digest) while producing r, per the dual-digest tee in
// lib/digest. WriteLayer computes the blob's own digest while streaming it
// to disk, so the two digests together give the full Layer record spec §3
// requires.
//
// If another writer has already populated this digest's directory,
// WriteLayer discards its own temp files and returns the existing entry —
// the single-writer-per-key guarantee from spec §4.2/§5.
func (s *Store) WriteLayer(selector string, r io.Reader, diffID godigest.Digest, uncompressedSize int64) (Entry, error) {
	digester := godigest.Canonical.Digester()
	tmpBlob, err := os.CreateTemp(filepath.Join(s.root, "layers"), "blob-*.tmp")
	if err != nil {
		return Entry{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmpBlob.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	size, err := io.Copy(io.MultiWriter(tmpBlob, digester.Hash()), r)
	if err != nil {
		tmpBlob.Close()
		return Entry{}, fmt.Errorf("write layer blob: %w", err)
	}
	if err := tmpBlob.Sync(); err != nil {
		tmpBlob.Close()
		return Entry{}, fmt.Errorf("sync layer blob: %w", err)
	}
	if err := tmpBlob.Close(); err != nil {
		return Entry{}, fmt.Errorf("close layer blob: %w", err)
	}

	d := digester.Digest()
	dir := s.layerDir(d)
	if _, err := os.Stat(filepath.Join(dir, "blob")); err == nil {
		// Another writer already produced this digest; ours is redundant.
		if existing, ok, err := s.readEntry(d); err == nil && ok {
			return existing, nil
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Entry{}, fmt.Errorf("create layer directory: %w", err)
	}
	blobPath := filepath.Join(dir, "blob")
	if err := os.Rename(tmpPath, blobPath); err != nil {
		if _, statErr := os.Stat(blobPath); statErr == nil {
			// Lost the rename race to a concurrent writer; that's fine.
		} else {
			return Entry{}, fmt.Errorf("rename layer blob: %w", err)
		}
	}
	if err := writeAtomic(filepath.Join(dir, "diff-id"), []byte(diffID.String())); err != nil {
		return Entry{}, fmt.Errorf("write diff-id: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "size"), []byte(fmt.Sprintf("%d %d", size, uncompressedSize))); err != nil {
		return Entry{}, fmt.Errorf("write size: %w", err)
	}

	if selector != "" {
		if err := writeAtomic(filepath.Join(s.root, "selectors", selectorHex(selector)), []byte(d.String())); err != nil {
			return Entry{}, fmt.Errorf("write selector: %w", err)
		}
	}

	return Entry{Digest: d, Size: size, DiffID: diffID, UncompressedSize: uncompressedSize}, nil
}

// WriteBaseLayer stores a digest-keyed blob pulled from a base image. Unlike
// WriteLayer, the digest is known up front (it came from the manifest); the
// write still verifies it against the actual bytes and fails on mismatch
// (spec's DigestMismatch, §7).
func (s *Store) WriteBaseLayer(want godigest.Digest, diffID godigest.Digest, r io.Reader) (Entry, error) {
	entry, err := s.WriteLayer("", r, diffID, 0)
	if err != nil {
		return Entry{}, err
	}
	if entry.Digest != want {
		dir := s.layerDir(entry.Digest)
		os.RemoveAll(dir)
		return Entry{}, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, want, entry.Digest)
	}
	return entry, nil
}

// ErrDigestMismatch is returned when a pulled blob's computed digest does
// not match the digest it was requested under.
var ErrDigestMismatch = errors.New("cache: digest mismatch")

// readEntry reads a layer's metadata by digest without selector
// indirection.
func (s *Store) readEntry(d godigest.Digest) (Entry, bool, error) {
	dir := s.layerDir(d)
	diffIDRaw, err := os.ReadFile(filepath.Join(dir, "diff-id"))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	sizeRaw, err := os.ReadFile(filepath.Join(dir, "size"))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if _, err := os.Stat(filepath.Join(dir, "blob")); err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	diffID, err := godigest.Parse(string(diffIDRaw))
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse diff-id: %w", err)
	}
	var size, uncompressedSize int64
	if _, err := fmt.Sscanf(string(sizeRaw), "%d %d", &size, &uncompressedSize); err != nil {
		return Entry{}, false, fmt.Errorf("parse size: %w", err)
	}

	now := time.Now()
	os.Chtimes(filepath.Join(dir, "blob"), now, now) // best-effort LRU touch for Prune

	return Entry{Digest: d, Size: size, DiffID: diffID, UncompressedSize: uncompressedSize}, true, nil
}

// ReadByDigest looks up a layer by its blob digest (the path used for
// pulled base layers).
func (s *Store) ReadByDigest(d godigest.Digest) (Entry, bool, error) {
	return s.readEntry(d)
}

// ReadBySelector looks up an application layer previously written under
// selector. If the selector file points at a digest whose entry is now
// incomplete or missing, ReadBySelector repairs the cache by deleting the
// stale selector and returns ErrCorrupted so the caller knows to rebuild and
// re-write the layer (spec §7, §8 scenario 6).
func (s *Store) ReadBySelector(selector string) (Entry, bool, error) {
	selectorPath := filepath.Join(s.root, "selectors", selectorHex(selector))
	raw, err := os.ReadFile(selectorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	d, err := godigest.Parse(string(raw))
	if err != nil {
		os.Remove(selectorPath)
		return Entry{}, false, ErrCorrupted
	}

	entry, ok, err := s.readEntry(d)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		os.Remove(selectorPath)
		s.log.Warn("cache repaired: selector pointed at missing entry", "selector_digest", d.String())
		return Entry{}, false, ErrCorrupted
	}
	return entry, true, nil
}

// layerUsage is one layer directory's size and last-access time, used by
// Prune to pick eviction candidates.
type layerUsage struct {
	digest  godigest.Digest
	size    int64
	accessed time.Time
}

// Prune evicts least-recently-used layers until the cache's total blob size
// is at or below maxSize. maxSize <= 0 means unbounded; Prune is then a
// no-op. "Recently used" is the blob file's mtime, which ReadByDigest and
// ReadBySelector both refresh via touch on every hit, so a layer reused
// across builds survives eviction as long as something keeps reading it.
func (s *Store) Prune(maxSize int64) error {
	if maxSize <= 0 {
		return nil
	}
	layersDir := filepath.Join(s.root, "layers")
	dirEntries, err := os.ReadDir(layersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list layer directories: %w", err)
	}

	var usages []layerUsage
	var total int64
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		blobPath := filepath.Join(layersDir, de.Name(), "blob")
		info, err := os.Stat(blobPath)
		if err != nil {
			continue // mid-write or already-evicted entry; skip
		}
		d := godigest.NewDigestFromEncoded(godigest.Canonical, de.Name())
		usages = append(usages, layerUsage{digest: d, size: info.Size(), accessed: info.ModTime()})
		total += info.Size()
	}
	if total <= maxSize {
		return nil
	}

	sort.Slice(usages, func(i, j int) bool { return usages[i].accessed.Before(usages[j].accessed) })

	selectors, err := s.selectorTargets()
	if err != nil {
		return fmt.Errorf("index selectors for eviction: %w", err)
	}

	for _, u := range usages {
		if total <= maxSize {
			break
		}
		if err := os.RemoveAll(s.layerDir(u.digest)); err != nil {
			return fmt.Errorf("evict layer %s: %w", u.digest, err)
		}
		for _, selPath := range selectors[u.digest] {
			os.Remove(selPath)
		}
		total -= u.size
		s.log.Info("cache evicted layer", "digest", u.digest.String(), "size", u.size)
	}
	return nil
}

// selectorTargets indexes every selector pointer file by the digest it
// currently resolves to, so Prune can remove pointers to a layer it evicts
// without leaving an ErrCorrupted trap for the next reader.
func (s *Store) selectorTargets() (map[godigest.Digest][]string, error) {
	selectorsDir := filepath.Join(s.root, "selectors")
	entries, err := os.ReadDir(selectorsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	index := make(map[godigest.Digest][]string)
	for _, e := range entries {
		path := filepath.Join(selectorsDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		d, err := godigest.Parse(string(raw))
		if err != nil {
			continue
		}
		index[d] = append(index[d], path)
	}
	return index, nil
}

// Blob opens the compressed blob for reading.
func (s *Store) Blob(d godigest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.layerDir(d), "blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}
