// Package buildplan defines the frozen, fully-resolved input record the
// Build Engine consumes (spec §6): everything front-end tooling — build-tool
// plugins, CLI argument parsing, project-model discovery — has already
// resolved before the core ever runs. A Plan is immutable once constructed;
// the engine never mutates it.
package buildplan

import (
	"fmt"
	"time"

	"github.com/kilnpack/kilnpack/lib/credentials"
	"github.com/kilnpack/kilnpack/lib/image"
)

// OutputMode selects one of the Build Engine's three terminal modes
// (spec §4.6).
type OutputMode int

const (
	OutputRegistry OutputMode = iota
	OutputDockerDaemon
	OutputTarFile
)

func (m OutputMode) String() string {
	switch m {
	case OutputDockerDaemon:
		return "docker-daemon"
	case OutputTarFile:
		return "tar-file"
	default:
		return "registry"
	}
}

// Output describes where the built image goes.
type Output struct {
	Mode OutputMode
	// TarPath is the destination path when Mode == OutputTarFile. Ignored
	// otherwise.
	TarPath string
}

// Plan is the frozen build-plan record spec §6 names as the engine's sole
// input.
type Plan struct {
	// BaseImage is the image pulled as the new image's starting layers.
	BaseImage image.Reference

	// TargetImage is the primary reference the built image is pushed/tagged
	// as. ExtraTags names additional tags on the same repository that
	// receive the identical manifest after the primary push.
	TargetImage image.Reference
	ExtraTags   []string

	// Layers is the ordered list of application layer specs. Each inner
	// slice is one layer's ordered LayerEntry list (spec §3's Layer /
	// LayerEntry shape); layer order in the final manifest follows this
	// slice's order and always comes after the base image's own layers.
	Layers []image.Layer

	Config   image.ContainerConfig
	Platform image.Platform
	Format   image.Format

	Output Output

	// Offline, when true, keeps the engine off the base registry: base
	// manifest/config/layer reads are served solely from cache and fail with
	// OfflineMiss on a miss (spec §4.6, §7, §8 scenario 5). Registry output
	// still contacts the target registry to push.
	Offline bool

	// AllowInsecureHosts lists registry hosts the engine may reach over
	// plain HTTP despite TLS failures — an explicit per-host opt-in with no
	// default (spec §4.3).
	AllowInsecureHosts []string

	// UseOnlyProjectCache is carried on the plan but not read by the Build
	// Engine: the cache root is always that of the cache.Store the Engine
	// was constructed with.
	UseOnlyProjectCache bool

	// ConcurrencyLimit bounds the number of steps the engine runs
	// concurrently (spec §5). Zero means "use the engine's default".
	ConcurrencyLimit int

	// HTTPTimeout is carried on the plan but not applied by the Build
	// Engine: each HTTP call is bounded by the timeout of the Engine's own
	// HTTP client.
	HTTPTimeout time.Duration
	// Deadline, if non-zero, bounds the whole build; steps past it fail
	// with the context's deadline-exceeded error instead of retrying further.
	Deadline time.Time

	// Credentials maps a registry host to an inline credential that
	// overrides every other resolver in the chain for that host (spec
	// §4.4's highest-priority retriever). The engine does not read this
	// field itself; cmd/kilnctl registers each entry with its
	// credentials.Resolver before the build starts.
	Credentials map[string]credentials.Inline
}

// Validate checks the invariants the engine assumes hold before it starts
// scheduling steps, surfacing a single diagnostic rather than failing deep
// inside some step.
func (p *Plan) Validate() error {
	if p.BaseImage.Repository == "" {
		return fmt.Errorf("build plan: base image reference is required")
	}
	if p.TargetImage.Repository == "" {
		return fmt.Errorf("build plan: target image reference is required")
	}
	if p.Output.Mode == OutputTarFile && p.Output.TarPath == "" {
		return fmt.Errorf("build plan: tar output requires a destination path")
	}
	for i, layer := range p.Layers {
		if layer.Existing {
			continue
		}
		for _, e := range layer.Entries {
			if len(e.ExtractionPath) == 0 || e.ExtractionPath[0] != '/' {
				return fmt.Errorf("build plan: layer %d entry %q: extraction path must be absolute", i, e.ExtractionPath)
			}
		}
	}
	return nil
}

// InsecureAllowed reports whether host may be reached over plain HTTP.
func (p *Plan) InsecureAllowed(host string) bool {
	for _, h := range p.AllowInsecureHosts {
		if h == host {
			return true
		}
	}
	return false
}

// EffectiveConcurrency and EffectiveHTTPTimeout apply the engine's defaults
// when the plan leaves a resource limit at its zero value.
func (p *Plan) EffectiveConcurrency(defaultLimit int) int {
	if p.ConcurrencyLimit > 0 {
		return p.ConcurrencyLimit
	}
	return defaultLimit
}

func (p *Plan) EffectiveHTTPTimeout(defaultTimeout time.Duration) time.Duration {
	if p.HTTPTimeout > 0 {
		return p.HTTPTimeout
	}
	return defaultTimeout
}
