package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathLayout(t *testing.T) {
	p := New("/cache/kilnpack")
	require.Equal(t, "/cache/kilnpack/layers", p.LayersDir())
	require.Equal(t, filepath.Join("/cache/kilnpack", "layers", "abc"), p.LayerDir("abc"))
	require.Equal(t, "/cache/kilnpack/selectors", p.SelectorsDir())
	require.Equal(t, "/cache/kilnpack/manifests", p.ManifestsDir())
	require.Equal(t, filepath.Join("/cache/kilnpack", "manifests", "xyz"), p.ManifestDir("xyz"))
	require.Equal(t, filepath.Join("/cache/kilnpack", "logs", "build-1.log"), p.BuildLog("build-1"))
}

func TestEnsureDirsCreatesTree(t *testing.T) {
	root := t.TempDir()
	p := New(filepath.Join(root, "cache"))
	require.NoError(t, p.EnsureDirs())

	for _, dir := range []string{p.LayersDir(), p.SelectorsDir(), p.ManifestsDir(), p.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestDockerConfigDirRespectsEnvOverride(t *testing.T) {
	t.Setenv("DOCKER_CONFIG", "/custom/docker")
	dir, err := DockerConfigDir()
	require.NoError(t, err)
	require.Equal(t, "/custom/docker", dir)
}
