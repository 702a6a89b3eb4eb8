// Package xdg provides centralized path construction for kilnpack's local
// cache and state directories, following the XDG Base Directory convention
// on Linux and each platform's native convention elsewhere.
//
// Directory structure (under CacheRoot()):
//
//	{cacheRoot}/
//	  layers/{digest-hex}/
//	    blob
//	    diff-id
//	    size
//	  selectors/{selector-hex} -> digest (pointer file)
//	  manifests/{image-hex}/
//	    manifest.json
//	    config.json
//	  logs/{build-id}.log
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	homedir "github.com/mitchellh/go-homedir"
)

// Paths provides typed path construction for kilnpack's cache directory.
type Paths struct {
	cacheRoot string
}

// New wraps an explicit cache root (a configured cache-dir override, or a test's
// t.TempDir()), bypassing platform detection entirely.
func New(cacheRoot string) *Paths {
	return &Paths{cacheRoot: cacheRoot}
}

// Default resolves the platform-appropriate cache root for kilnpack:
// $XDG_CACHE_HOME/kilnpack on Linux (falling back to ~/.cache/kilnpack),
// ~/Library/Caches/kilnpack on macOS, and %LOCALAPPDATA%\kilnpack\Cache on
// Windows.
func Default() (*Paths, error) {
	root, err := defaultCacheRoot()
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	return &Paths{cacheRoot: root}, nil
}

func defaultCacheRoot() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "kilnpack", "Cache"), nil
		}
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "AppData", "Local", "kilnpack", "Cache"), nil
	case "darwin":
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Caches", "kilnpack"), nil
	default:
		if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
			return filepath.Join(dir, "kilnpack"), nil
		}
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".cache", "kilnpack"), nil
	}
}

// CacheRoot returns the top-level cache directory.
func (p *Paths) CacheRoot() string { return p.cacheRoot }

// LayersDir returns the content-addressed layer blob directory.
func (p *Paths) LayersDir() string { return filepath.Join(p.cacheRoot, "layers") }

// LayerDir returns the directory for one layer's blob/diff-id/size files.
func (p *Paths) LayerDir(digestHex string) string {
	return filepath.Join(p.LayersDir(), digestHex)
}

// SelectorsDir returns the selector-to-digest pointer directory.
func (p *Paths) SelectorsDir() string { return filepath.Join(p.cacheRoot, "selectors") }

// ManifestsDir returns the manifest/config metadata cache directory.
func (p *Paths) ManifestsDir() string { return filepath.Join(p.cacheRoot, "manifests") }

// ManifestDir returns the directory for one image reference's cached
// manifest and config.
func (p *Paths) ManifestDir(imageHex string) string {
	return filepath.Join(p.ManifestsDir(), imageHex)
}

// LogsDir returns the per-build log directory.
func (p *Paths) LogsDir() string { return filepath.Join(p.cacheRoot, "logs") }

// BuildLog returns the path to one build's log file.
func (p *Paths) BuildLog(buildID string) string {
	return filepath.Join(p.LogsDir(), buildID+".log")
}

// DockerConfigDir resolves the directory holding Docker's config.json for
// credential resolution: $DOCKER_CONFIG if set, else ~/.docker.
func DockerConfigDir() (string, error) {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return dir, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".docker"), nil
}

// EnsureDirs creates the cache root's subdirectories, idempotently.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.LayersDir(), p.SelectorsDir(), p.ManifestsDir(), p.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
