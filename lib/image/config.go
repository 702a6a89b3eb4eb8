package image

import (
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	godigest "github.com/opencontainers/go-digest"
)

// ExposedPort is a container port plus protocol (spec §3's "number+protocol"
// ContainerConfig field).
type ExposedPort struct {
	Port     int
	Protocol string // "tcp" (default) or "udp"
}

func (p ExposedPort) key() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Port, proto)
}

// ContainerConfig is kilnpack's domain-level container configuration, built
// from the build plan and serialized to a v1.ConfigFile for the wire
// (spec §4.5).
type ContainerConfig struct {
	Entrypoint   []string
	Cmd          []string
	Env          []string // ordered "KEY=VALUE" pairs, spec §3
	Labels       map[string]string
	ExposedPorts []ExposedPort
	Volumes      []string
	User         string
	WorkingDir   string
	Platform     Platform
	Created      time.Time // defaults to the epoch, spec §4.5
}

// HistoryEntry mirrors one manifest layer's provenance record. DiffID is
// only meaningful (and only emitted into rootfs.diff_ids) when EmptyLayer is
// false, per spec's resolution of the diff_id-for-empty-layers open
// question in favor of the OCI rule.
type HistoryEntry struct {
	Created    time.Time
	Author     string
	CreatedBy  string
	Comment    string
	EmptyLayer bool
	DiffID     godigest.Digest // ignored when EmptyLayer is true
}

// BuildConfigFile assembles the v1.ConfigFile that will be pushed as the
// image config blob. history must be given in the same base-then-application
// order as the manifest's layers (spec's ordering guarantee, §4.6).
func BuildConfigFile(cfg ContainerConfig, history []HistoryEntry) (*v1.ConfigFile, error) {
	exposedPorts := make(map[string]struct{}, len(cfg.ExposedPorts))
	for _, p := range cfg.ExposedPorts {
		exposedPorts[p.key()] = struct{}{}
	}
	volumes := make(map[string]struct{}, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		volumes[v] = struct{}{}
	}

	created := cfg.Created
	if created.IsZero() {
		created = defaultModTime().Add(-time.Second) // epoch, not epoch+1s
	}

	var diffIDs []v1.Hash
	var v1History []v1.History
	for _, h := range history {
		hc := h.Created
		if hc.IsZero() {
			hc = created
		}
		v1History = append(v1History, v1.History{
			Created:    v1.Time{Time: hc},
			Author:     h.Author,
			CreatedBy:  h.CreatedBy,
			Comment:    h.Comment,
			EmptyLayer: h.EmptyLayer,
		})
		if !h.EmptyLayer {
			hash, err := v1.NewHash(h.DiffID.String())
			if err != nil {
				return nil, fmt.Errorf("convert diffID: %w", err)
			}
			diffIDs = append(diffIDs, hash)
		}
	}

	return &v1.ConfigFile{
		Architecture: cfg.Platform.Architecture,
		OS:           cfg.Platform.OS,
		Created:      v1.Time{Time: created},
		History:      v1History,
		RootFS: v1.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		Config: v1.Config{
			Entrypoint:   cfg.Entrypoint,
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			Labels:       cfg.Labels,
			ExposedPorts: exposedPorts,
			Volumes:      volumes,
			User:         cfg.User,
			WorkingDir:   cfg.WorkingDir,
		},
	}, nil
}
