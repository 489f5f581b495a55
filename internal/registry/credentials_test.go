package registry_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ryanmoran/stackrun/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "DOCKER_IO", registry.EnvPrefix("docker.io"))
	assert.Equal(t, "HOST", registry.EnvPrefix("host:5000"))
	assert.Equal(t, "REGISTRY_EXAMPLE_COM", registry.EnvPrefix("registry.example.com"))
	assert.Equal(t, "GHCR_IO", registry.EnvPrefix("ghcr.io"))
}

func TestEnvResolver(t *testing.T) {
	resolver := registry.NewEnvResolver([]string{
		"HOST_USER=alice",
		"HOST_PASSWORD=hunter2",
		"GHCR_IO_PASSWORD=orphan",
	})

	t.Run("resolves user and password", func(t *testing.T) {
		creds, ok, err := resolver.Resolve("host:5000")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, registry.Credentials{Username: "alice", Password: "hunter2"}, creds)
	})

	t.Run("requires a user", func(t *testing.T) {
		_, ok, err := resolver.Resolve("ghcr.io")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

type failingResolver struct{}

func (failingResolver) Resolve(string) (registry.Credentials, bool, error) {
	return registry.Credentials{}, false, errors.New("helper crashed")
}

func TestChainResolver(t *testing.T) {
	t.Run("returns the first match", func(t *testing.T) {
		chain := registry.ChainResolver{
			registry.StaticResolver{"other": {Username: "x"}},
			registry.StaticResolver{"docker.io": {Username: "first"}},
			registry.StaticResolver{"docker.io": {Username: "second"}},
		}

		creds, ok, err := chain.Resolve("docker.io")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "first", creds.Username)
	})

	t.Run("stops on error", func(t *testing.T) {
		chain := registry.ChainResolver{failingResolver{}, registry.StaticResolver{"docker.io": {Username: "x"}}}

		_, _, err := chain.Resolve("docker.io")
		assert.EqualError(t, err, "helper crashed")
	})

	t.Run("reports no match", func(t *testing.T) {
		_, ok, err := registry.ChainResolver{}.Resolve("docker.io")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDockerConfigResolver(t *testing.T) {
	dir := t.TempDir()
	// "alice:hunter2" and "bob:swordfish"
	config := `{"auths":{
		"https://index.docker.io/v1/":{"auth":"YWxpY2U6aHVudGVyMg=="},
		"host:5000":{"auth":"Ym9iOnN3b3JkZmlzaA=="}
	}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o600))

	resolver, err := registry.NewDockerConfigResolver(dir, nil)
	require.NoError(t, err)

	t.Run("maps docker.io to the legacy index key", func(t *testing.T) {
		creds, ok, err := resolver.Resolve("docker.io")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alice", creds.Username)
		assert.Equal(t, "hunter2", creds.Password)
	})

	t.Run("resolves a private registry", func(t *testing.T) {
		creds, ok, err := resolver.Resolve("host:5000")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bob", creds.Username)
	})

	t.Run("reports unknown registries as absent", func(t *testing.T) {
		_, ok, err := resolver.Resolve("ghcr.io")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
