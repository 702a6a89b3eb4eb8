// Package planfile reads the fully-resolved build plan a front-end tool
// (build-tool plugin, or a human testing kilnctl directly) hands to
// kilnctl as a JSON file, and turns it into a buildplan.Plan. Parsing this
// file is not "CLI argument parsing" in the sense spec.md's Non-goals
// exclude — it's exactly the input format that Non-goal names as already
// having happened.
package planfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	godigest "github.com/opencontainers/go-digest"

	"github.com/kilnpack/kilnpack/lib/buildplan"
	"github.com/kilnpack/kilnpack/lib/credentials"
	"github.com/kilnpack/kilnpack/lib/image"
)

// File is the on-disk JSON shape. Field names are chosen for a human
// editing the file by hand (kilnctl's own smoke tests, CI fixtures); a real
// build-tool plugin emitting this file programmatically would generate it,
// not hand-write it.
type File struct {
	BaseImage   string   `json:"baseImage"`
	TargetImage string   `json:"targetImage"`
	ExtraTags   []string `json:"extraTags,omitempty"`

	Layers []Layer `json:"layers"`

	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Env          []string          `json:"env,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	ExposedPorts []string          `json:"exposedPorts,omitempty"` // "8080/tcp" or "8080"
	Volumes      []string          `json:"volumes,omitempty"`
	User         string            `json:"user,omitempty"`
	WorkingDir   string            `json:"workingDir,omitempty"`

	OS           string `json:"os,omitempty"`           // default "linux"
	Architecture string `json:"architecture,omitempty"` // default "amd64"
	Format       string `json:"format,omitempty"`       // "docker" (default) or "oci"

	Output Output `json:"output"`

	Offline             bool     `json:"offline,omitempty"`
	AllowInsecureHosts   []string `json:"allowInsecureHosts,omitempty"`
	UseOnlyProjectCache bool     `json:"useOnlyProjectCache,omitempty"`

	ConcurrencyLimit  int    `json:"concurrencyLimit,omitempty"`
	HTTPTimeoutSeconds int   `json:"httpTimeoutSeconds,omitempty"`
	DeadlineSeconds   int    `json:"deadlineSeconds,omitempty"`

	// Credentials maps a registry host to an inline username/password,
	// taking priority over every other credential source for that host.
	Credentials map[string]InlineCredential `json:"credentials,omitempty"`
}

// Layer is one application layer: either a list of filesystem entries to
// tar up, or a reference to an already-known (digest, diffID, size) triple
// when the caller has precomputed it (e.g. a cached unchanged layer from a
// previous build).
type Layer struct {
	Entries []LayerEntry `json:"entries,omitempty"`

	ExistingDigest godigestString `json:"existingDigest,omitempty"`
	ExistingDiffID godigestString `json:"existingDiffId,omitempty"`
	ExistingSize   int64          `json:"existingSize,omitempty"`
}

// LayerEntry is one file or directory to place in the layer.
type LayerEntry struct {
	SourcePath     string `json:"sourcePath"`
	ExtractionPath string `json:"extractionPath"`
	// Mode is a standard Unix permission string, e.g. "0644". Zero value
	// lets lib/image apply its default (0644 files / 0755 directories).
	Mode string `json:"mode,omitempty"`
	// ModifiedTime is RFC 3339. Zero value uses lib/image's reproducible
	// default (one second after the Unix epoch).
	ModifiedTime string `json:"modifiedTime,omitempty"`
}

// InlineCredential is one registry host's plaintext override credential.
type InlineCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Output describes the build's destination.
type Output struct {
	Mode    string `json:"mode"` // "registry" (default), "docker-daemon", "tar-file"
	TarPath string `json:"tarPath,omitempty"`
}

// godigestString is a JSON string that Convert parses lazily, so a typo in
// the file surfaces as one clear error rather than a cryptic JSON one.
type godigestString string

// Load reads and parses a plan file from path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build plan %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse build plan %s: %w", path, err)
	}
	return &f, nil
}

// Convert turns the parsed file into a buildplan.Plan, resolving image
// references and applying the same defaults lib/image's types document.
func (f *File) Convert() (*buildplan.Plan, error) {
	base, err := image.ParseReference(f.BaseImage)
	if err != nil {
		return nil, fmt.Errorf("baseImage: %w", err)
	}
	target, err := image.ParseReference(f.TargetImage)
	if err != nil {
		return nil, fmt.Errorf("targetImage: %w", err)
	}

	layers := make([]image.Layer, 0, len(f.Layers))
	for i, l := range f.Layers {
		layer, err := l.convert()
		if err != nil {
			return nil, fmt.Errorf("layers[%d]: %w", i, err)
		}
		layers = append(layers, layer)
	}

	ports, err := parseExposedPorts(f.ExposedPorts)
	if err != nil {
		return nil, err
	}

	osName := f.OS
	if osName == "" {
		osName = "linux"
	}
	arch := f.Architecture
	if arch == "" {
		arch = "amd64"
	}
	platform := image.Platform{OS: osName, Architecture: arch}

	format := image.FormatDocker
	switch f.Format {
	case "", "docker":
		format = image.FormatDocker
	case "oci":
		format = image.FormatOCI
	default:
		return nil, fmt.Errorf("format: unknown value %q (want \"docker\" or \"oci\")", f.Format)
	}

	output, err := f.Output.convert()
	if err != nil {
		return nil, err
	}

	creds := make(map[string]credentials.Inline, len(f.Credentials))
	for host, c := range f.Credentials {
		creds[host] = credentials.Inline{Username: c.Username, Password: c.Password}
	}

	plan := &buildplan.Plan{
		BaseImage:   base,
		TargetImage: target,
		ExtraTags:   f.ExtraTags,
		Layers:      layers,
		Config: image.ContainerConfig{
			Entrypoint:   f.Entrypoint,
			Cmd:          f.Cmd,
			Env:          f.Env,
			Labels:       f.Labels,
			ExposedPorts: ports,
			Volumes:      f.Volumes,
			User:         f.User,
			WorkingDir:   f.WorkingDir,
			Platform:     platform,
		},
		Platform:            platform,
		Format:              format,
		Output:              output,
		Offline:             f.Offline,
		AllowInsecureHosts:  f.AllowInsecureHosts,
		UseOnlyProjectCache: f.UseOnlyProjectCache,
		ConcurrencyLimit:    f.ConcurrencyLimit,
		Credentials:         creds,
	}
	if f.HTTPTimeoutSeconds > 0 {
		plan.HTTPTimeout = time.Duration(f.HTTPTimeoutSeconds) * time.Second
	}
	if f.DeadlineSeconds > 0 {
		plan.Deadline = time.Now().Add(time.Duration(f.DeadlineSeconds) * time.Second)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (l Layer) convert() (image.Layer, error) {
	if l.ExistingDigest != "" {
		d, err := parseDigest(string(l.ExistingDigest))
		if err != nil {
			return image.Layer{}, fmt.Errorf("existingDigest: %w", err)
		}
		diffID, err := parseDigest(string(l.ExistingDiffID))
		if err != nil {
			return image.Layer{}, fmt.Errorf("existingDiffId: %w", err)
		}
		return image.Layer{Existing: true, Digest: d, DiffID: diffID, Size: l.ExistingSize}, nil
	}

	entries := make([]image.LayerEntry, 0, len(l.Entries))
	for i, e := range l.Entries {
		entry, err := e.convert()
		if err != nil {
			return image.Layer{}, fmt.Errorf("entries[%d]: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return image.Layer{Entries: entries}, nil
}

func (e LayerEntry) convert() (image.LayerEntry, error) {
	entry := image.LayerEntry{SourcePath: e.SourcePath, ExtractionPath: e.ExtractionPath}
	if e.Mode != "" {
		mode, err := parseOctalMode(e.Mode)
		if err != nil {
			return image.LayerEntry{}, fmt.Errorf("mode %q: %w", e.Mode, err)
		}
		entry.Mode = mode
	}
	if e.ModifiedTime != "" {
		t, err := time.Parse(time.RFC3339, e.ModifiedTime)
		if err != nil {
			return image.LayerEntry{}, fmt.Errorf("modifiedTime %q: %w", e.ModifiedTime, err)
		}
		entry.ModifiedTime = t
	}
	return entry, nil
}

func (o Output) convert() (buildplan.Output, error) {
	switch o.Mode {
	case "", "registry":
		return buildplan.Output{Mode: buildplan.OutputRegistry}, nil
	case "docker-daemon":
		return buildplan.Output{Mode: buildplan.OutputDockerDaemon}, nil
	case "tar-file":
		if o.TarPath == "" {
			return buildplan.Output{}, fmt.Errorf("output: tarPath is required for mode %q", o.Mode)
		}
		return buildplan.Output{Mode: buildplan.OutputTarFile, TarPath: o.TarPath}, nil
	default:
		return buildplan.Output{}, fmt.Errorf("output: unknown mode %q", o.Mode)
	}
}

// parseExposedPorts accepts "8080/tcp", "8080/udp", or bare "8080" (defaults
// to tcp, matching image.ExposedPort's own zero-value convention).
func parseExposedPorts(raw []string) ([]image.ExposedPort, error) {
	ports := make([]image.ExposedPort, 0, len(raw))
	for _, p := range raw {
		portStr, proto, _ := strings.Cut(p, "/")
		n, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("exposedPorts: invalid port %q: %w", p, err)
		}
		ports = append(ports, image.ExposedPort{Port: n, Protocol: proto})
	}
	return ports, nil
}

func parseOctalMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

func parseDigest(s string) (godigest.Digest, error) {
	return godigest.Parse(s)
}
