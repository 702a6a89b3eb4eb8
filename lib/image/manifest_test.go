package image

import (
	"encoding/json"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestParseManifestDockerV22(t *testing.T) {
	raw := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
		"config": {"mediaType": "application/vnd.docker.container.image.v1+json", "size": 10, "digest": "sha256:` + sampleHex + `"},
		"layers": []
	}`)
	p, err := ParseManifest(raw, godigest.Digest("sha256:"+sampleHex))
	require.NoError(t, err)
	require.Equal(t, KindManifest, p.Kind)
	require.NotNil(t, p.Manifest)
	require.Equal(t, 2, p.Manifest.SchemaVersion)
}

func TestParseManifestIndex(t *testing.T) {
	raw := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.docker.distribution.manifest.list.v2+json",
		"manifests": [
			{"mediaType": "application/vnd.docker.distribution.manifest.v2+json", "size": 1, "digest": "sha256:` + sampleHex + `", "platform": {"os": "linux", "architecture": "amd64"}}
		]
	}`)
	p, err := ParseManifest(raw, "")
	require.NoError(t, err)
	require.Equal(t, KindList, p.Kind)
	require.NotNil(t, p.Index)
	require.Len(t, p.Index.Manifests, 1)
}

func TestParseManifestSchema1(t *testing.T) {
	raw := []byte(`{
		"schemaVersion": 1,
		"name": "library/alpine",
		"tag": "latest",
		"architecture": "amd64",
		"fsLayers": [{"blobSum": "sha256:aaa"}, {"blobSum": "sha256:bbb"}],
		"history": []
	}`)
	p, err := ParseManifest(raw, "")
	require.NoError(t, err)
	require.Equal(t, KindSchema1, p.Kind)
	require.NotNil(t, p.Schema1)
	require.Equal(t, []string{"sha256:bbb", "sha256:aaa"}, p.Schema1.LayerDigests())
}

func TestSelectPlatformFound(t *testing.T) {
	idx := &v1.IndexManifest{
		Manifests: []v1.Descriptor{
			{Platform: &v1.Platform{OS: "linux", Architecture: "arm64"}},
			{Platform: &v1.Platform{OS: "linux", Architecture: "amd64"}},
		},
	}
	d, err := SelectPlatform(idx, Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	require.Equal(t, "amd64", d.Platform.Architecture)
}

func TestSelectPlatformNotFoundListsAvailable(t *testing.T) {
	idx := &v1.IndexManifest{
		Manifests: []v1.Descriptor{
			{Platform: &v1.Platform{OS: "linux", Architecture: "arm64"}},
		},
	}
	_, err := SelectPlatform(idx, Platform{OS: "linux", Architecture: "riscv64"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "linux/arm64")
}

func TestBuildManifestDocker(t *testing.T) {
	cfgDesc, err := Descriptor(types.DockerConfigJSON, godigest.Digest("sha256:"+sampleHex), 42)
	require.NoError(t, err)
	m := BuildManifest(FormatDocker, cfgDesc, []v1.Descriptor{cfgDesc})
	require.Equal(t, types.DockerManifestSchema2, m.MediaType)
	require.Equal(t, 2, m.SchemaVersion)
	require.Len(t, m.Layers, 1)

	b, err := json.Marshal(m)
	require.NoError(t, err)
	require.Contains(t, string(b), "vnd.docker.distribution.manifest.v2")
}

func TestBuildManifestOCI(t *testing.T) {
	cfgDesc, err := Descriptor(types.OCIConfigJSON, godigest.Digest("sha256:"+sampleHex), 42)
	require.NoError(t, err)
	m := BuildManifest(FormatOCI, cfgDesc, nil)
	require.Equal(t, types.OCIManifestSchema1, m.MediaType)
}
