package planfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnpack/kilnpack/lib/buildplan"
)

func writePlanFile(t *testing.T, f File) string {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func minimalFile() File {
	return File{
		BaseImage:   "alpine:3.18",
		TargetImage: "myregistry.io/app:1.0",
		Layers: []Layer{
			{Entries: []LayerEntry{
				{SourcePath: "/tmp/app.jar", ExtractionPath: "/app/app.jar"},
			}},
		},
		Output: Output{Mode: "registry"},
	}
}

func TestConvertMinimalPlan(t *testing.T) {
	f := minimalFile()
	plan, err := f.Convert()
	require.NoError(t, err)

	require.Equal(t, "registry-1.docker.io", plan.BaseImage.Registry)
	require.Equal(t, "library/alpine", plan.BaseImage.Repository)
	require.Equal(t, "3.18", plan.BaseImage.Tag)
	require.Equal(t, "myregistry.io", plan.TargetImage.Registry)
	require.Equal(t, buildplan.OutputRegistry, plan.Output.Mode)
	require.Equal(t, "linux", plan.Platform.OS)
	require.Equal(t, "amd64", plan.Platform.Architecture)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, "/app/app.jar", plan.Layers[0].Entries[0].ExtractionPath)
}

func TestLoadAndConvertRoundTrip(t *testing.T) {
	f := minimalFile()
	f.Entrypoint = []string{"java", "-jar", "/app/app.jar"}
	f.ExposedPorts = []string{"8080", "9000/udp"}
	f.Labels = map[string]string{"org.opencontainers.image.source": "https://example.invalid/app"}
	path := writePlanFile(t, f)

	loaded, err := Load(path)
	require.NoError(t, err)
	plan, err := loaded.Convert()
	require.NoError(t, err)

	require.Equal(t, []string{"java", "-jar", "/app/app.jar"}, plan.Config.Entrypoint)
	require.Len(t, plan.Config.ExposedPorts, 2)
	require.Equal(t, 8080, plan.Config.ExposedPorts[0].Port)
	require.Equal(t, "", plan.Config.ExposedPorts[0].Protocol)
	require.Equal(t, 9000, plan.Config.ExposedPorts[1].Port)
	require.Equal(t, "udp", plan.Config.ExposedPorts[1].Protocol)
}

func TestConvertRejectsInvalidBaseImage(t *testing.T) {
	f := minimalFile()
	f.BaseImage = "INVALID::REF"
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertRejectsTarFileOutputWithoutPath(t *testing.T) {
	f := minimalFile()
	f.Output = Output{Mode: "tar-file"}
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertAcceptsTarFileOutputWithPath(t *testing.T) {
	f := minimalFile()
	f.Output = Output{Mode: "tar-file", TarPath: "/tmp/out.tar"}
	plan, err := f.Convert()
	require.NoError(t, err)
	require.Equal(t, buildplan.OutputTarFile, plan.Output.Mode)
	require.Equal(t, "/tmp/out.tar", plan.Output.TarPath)
}

func TestConvertRejectsUnknownFormat(t *testing.T) {
	f := minimalFile()
	f.Format = "zstd"
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertRejectsUnknownOutputMode(t *testing.T) {
	f := minimalFile()
	f.Output = Output{Mode: "ftp"}
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertRejectsInvalidLayerEntryMode(t *testing.T) {
	f := minimalFile()
	f.Layers[0].Entries[0].Mode = "rwx"
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertRejectsInvalidModifiedTime(t *testing.T) {
	f := minimalFile()
	f.Layers[0].Entries[0].ModifiedTime = "not-a-time"
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertRejectsNonAbsoluteExtractionPath(t *testing.T) {
	f := minimalFile()
	f.Layers[0].Entries[0].ExtractionPath = "relative/path"
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertExistingLayerReference(t *testing.T) {
	f := minimalFile()
	f.Layers = []Layer{{
		ExistingDigest: "sha256:" + sixtyFourZeros(),
		ExistingDiffID: "sha256:" + sixtyFourZeros(),
		ExistingSize:   1024,
	}}
	plan, err := f.Convert()
	require.NoError(t, err)
	require.True(t, plan.Layers[0].Existing)
	require.Equal(t, int64(1024), plan.Layers[0].Size)
}

func TestConvertRejectsMalformedExistingDigest(t *testing.T) {
	f := minimalFile()
	f.Layers = []Layer{{ExistingDigest: "not-a-digest"}}
	_, err := f.Convert()
	require.Error(t, err)
}

func TestConvertInlineCredentials(t *testing.T) {
	f := minimalFile()
	f.Credentials = map[string]InlineCredential{
		"myregistry.io": {Username: "u", Password: "p"},
	}
	plan, err := f.Convert()
	require.NoError(t, err)
	cred, ok := plan.Credentials["myregistry.io"]
	require.True(t, ok)
	require.Equal(t, "u", cred.Username)
	require.Equal(t, "p", cred.Password)
}

func TestConvertTimeoutsAndDeadline(t *testing.T) {
	f := minimalFile()
	f.HTTPTimeoutSeconds = 5
	f.DeadlineSeconds = 30
	plan, err := f.Convert()
	require.NoError(t, err)
	require.Equal(t, int64(5), int64(plan.HTTPTimeout.Seconds()))
	require.False(t, plan.Deadline.IsZero())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func sixtyFourZeros() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
