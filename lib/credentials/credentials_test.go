package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInlineCredentialTakesPriority(t *testing.T) {
	r := New(t.TempDir())
	r.SetInline("registry.example.com", Inline{Username: "inline-user", Password: "inline-pass"})

	cred, err := r.Credential(context.Background(), "registry.example.com")
	require.NoError(t, err)
	require.Equal(t, "inline-user", cred.Username)
	require.Equal(t, "inline-pass", cred.Password)
}

func TestResolvesFromDockerConfigAuths(t *testing.T) {
	dir := t.TempDir()
	// "user:pass" base64-encoded, the Docker config.json auths format.
	configJSON := `{"auths":{"registry.example.com":{"auth":"dXNlcjpwYXNz"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(configJSON), 0600))

	r := New(dir)
	cred, err := r.Credential(context.Background(), "registry.example.com")
	require.NoError(t, err)
	require.Equal(t, "user", cred.Username)
	require.Equal(t, "pass", cred.Password)
}

func TestNoCredentialForUnknownHostReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"auths":{}}`), 0600))

	r := New(dir)
	cred, err := r.Credential(context.Background(), "unknown.example.com")
	require.NoError(t, err)
	require.Empty(t, cred.Username)
	require.Empty(t, cred.Password)
}

func TestInlineDoesNotLeakAcrossHosts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"auths":{}}`), 0600))

	r := New(dir)
	r.SetInline("a.example.com", Inline{Username: "u", Password: "p"})

	cred, err := r.Credential(context.Background(), "b.example.com")
	require.NoError(t, err)
	require.Empty(t, cred.Username)
}
