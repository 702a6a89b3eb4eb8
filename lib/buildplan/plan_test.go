package buildplan

import (
	"testing"

	"github.com/kilnpack/kilnpack/lib/image"
	"github.com/stretchr/testify/require"
)

func validPlan() *Plan {
	return &Plan{
		BaseImage:   image.Reference{Registry: "registry-1.docker.io", Repository: "library/alpine", Tag: "3.18"},
		TargetImage: image.Reference{Registry: "myregistry.io", Repository: "myrepo/app", Tag: "1"},
		Layers: []image.Layer{
			{Entries: []image.LayerEntry{{SourcePath: "/tmp/hello", ExtractionPath: "/hello"}}},
		},
	}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	p := validPlan()
	require.NoError(t, p.Validate())
}

func TestValidateRejectsMissingBaseImage(t *testing.T) {
	p := validPlan()
	p.BaseImage = image.Reference{}
	require.Error(t, p.Validate())
}

func TestValidateRejectsRelativeExtractionPath(t *testing.T) {
	p := validPlan()
	p.Layers[0].Entries[0].ExtractionPath = "hello"
	require.Error(t, p.Validate())
}

func TestValidateRejectsTarOutputWithoutPath(t *testing.T) {
	p := validPlan()
	p.Output = Output{Mode: OutputTarFile}
	require.Error(t, p.Validate())
}

func TestInsecureAllowedChecksHostList(t *testing.T) {
	p := validPlan()
	p.AllowInsecureHosts = []string{"localhost:5000"}
	require.True(t, p.InsecureAllowed("localhost:5000"))
	require.False(t, p.InsecureAllowed("myregistry.io"))
}

func TestEffectiveConcurrencyFallsBackToDefault(t *testing.T) {
	p := validPlan()
	require.Equal(t, 4, p.EffectiveConcurrency(4))
	p.ConcurrencyLimit = 2
	require.Equal(t, 2, p.EffectiveConcurrency(4))
}
