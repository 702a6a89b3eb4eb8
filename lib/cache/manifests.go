package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// imageHex derives the manifests/<image-hex> directory name for an image
// reference string (already normalized by the caller — lib/image owns
// reference normalization).
func imageHex(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

// WriteManifestMeta atomically stores a pulled base image's manifest and
// config bytes together, keyed by its (normalized) reference string. The
// pair is written so that config.json is only ever observed once fully
// written — manifest.json, the last file renamed into place, acts as the
// readiness marker spec §4.2 requires ("readable only when both present").
func (s *Store) WriteManifestMeta(ref string, manifestBytes, configBytes []byte) error {
	dir := filepath.Join(s.root, "manifests", imageHex(ref))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest cache dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "config.json"), configBytes); err != nil {
		return fmt.Errorf("write cached config: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "manifest.json"), manifestBytes); err != nil {
		return fmt.Errorf("write cached manifest: %w", err)
	}
	return nil
}

// ReadManifestMeta reads a previously cached base image's manifest and
// config bytes. ok is false (with no error) when no cache entry exists,
// which is the "offline cache miss" condition spec §4.6 / §8 scenario 5
// expects the Build Engine to turn into an OfflineMiss error.
func (s *Store) ReadManifestMeta(ref string) (manifestBytes, configBytes []byte, ok bool, err error) {
	dir := filepath.Join(s.root, "manifests", imageHex(ref))
	manifestBytes, err = os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	configBytes, err = os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			// manifest.json present but config.json isn't: an impossible
			// state given our write order, but treat it as a miss rather
			// than surfacing a confusing partial read.
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	return manifestBytes, configBytes, true, nil
}
