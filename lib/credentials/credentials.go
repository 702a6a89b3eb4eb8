// Package credentials resolves registry credentials the same way the
// Docker CLI does: an explicit inline credential first, then a
// docker-credential-helper subprocess, then the plaintext/base64 entries in
// ~/.docker/config.json, in that fixed priority order.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/types"

	"github.com/kilnpack/kilnpack/lib/registry"
)

// Inline is a credential supplied directly by the build plan (spec §6's
// per-registry inline credential field), taking priority over every other
// source for that one host.
type Inline struct {
	Username string
	Password string
}

// Resolver implements registry.CredentialSource using the fixed priority
// chain: inline overrides, then credential helpers, then the Docker config
// file's stored auths.
type Resolver struct {
	mu      sync.RWMutex
	inline  map[string]Inline
	cfgDir string

	cfg     *config.ConfigFile
	cfgOnce sync.Once
	cfgErr  error
}

// New constructs a Resolver that reads config.json out of configDir
// (typically ~/.docker, resolved by lib/xdg). The file is loaded lazily on
// first Credential call and cached.
func New(configDir string) *Resolver {
	return &Resolver{inline: make(map[string]Inline), cfgDir: configDir}
}

// SetInline registers an inline credential for host, overriding every other
// source for that host.
func (r *Resolver) SetInline(host string, cred Inline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inline[host] = cred
}

func (r *Resolver) loadConfig() (*config.ConfigFile, error) {
	r.cfgOnce.Do(func() {
		cfg, err := config.Load(r.cfgDir)
		if err != nil {
			r.cfgErr = fmt.Errorf("load docker config from %s: %w", r.cfgDir, err)
			return
		}
		r.cfg = cfg
	})
	return r.cfg, r.cfgErr
}

// Credential implements registry.CredentialSource.
func (r *Resolver) Credential(ctx context.Context, registryHost string) (registry.Credential, error) {
	r.mu.RLock()
	inline, ok := r.inline[registryHost]
	r.mu.RUnlock()
	if ok {
		return registry.Credential{Username: inline.Username, Password: inline.Password}, nil
	}

	cfg, err := r.loadConfig()
	if err != nil {
		return registry.Credential{}, err
	}
	if cfg == nil {
		return registry.Credential{}, nil
	}

	// GetCredentialsStore dispatches to a docker-credential-<helper>
	// subprocess (docker/docker-credential-helpers) when the config names
	// one for this host or as its default store, and otherwise falls back
	// to the plaintext/base64 entries recorded directly in the config
	// file — the same priority the Docker CLI itself applies.
	store := cfg.GetCredentialsStore(registryHost)
	authConfig, err := store.Get(registryHost)
	if err != nil {
		return registry.Credential{}, fmt.Errorf("resolve stored credentials for %s: %w", registryHost, err)
	}
	return fromAuthConfig(authConfig), nil
}

func fromAuthConfig(a types.AuthConfig) registry.Credential {
	if a.IdentityToken != "" {
		return registry.Credential{IdentityToken: a.IdentityToken}
	}
	return registry.Credential{Username: a.Username, Password: a.Password}
}
