package registry_test

import (
	"testing"

	"github.com/ryanmoran/stackrun/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected registry.Reference
	}{
		{
			name:     "bare official image",
			input:    "debian",
			expected: registry.Reference{Registry: "docker.io", Path: "library/debian", Tag: "latest"},
		},
		{
			name:     "official image with tag",
			input:    "node:12",
			expected: registry.Reference{Registry: "docker.io", Path: "library/node", Tag: "12"},
		},
		{
			name:     "user image on docker hub",
			input:    "rclone/rclone",
			expected: registry.Reference{Registry: "docker.io", Path: "rclone/rclone", Tag: "latest"},
		},
		{
			name:     "registry host with a dot",
			input:    "host.example/a/b:v1",
			expected: registry.Reference{Registry: "host.example", Path: "a/b", Tag: "v1"},
		},
		{
			name:     "registry host with a port",
			input:    "host:5000/a/b:v1",
			expected: registry.Reference{Registry: "host:5000", Path: "a/b", Tag: "v1"},
		},
		{
			name:  "digest without tag",
			input: "rclone/rclone@sha256:f18b9a2d5e5ad6e6d4d1b3e9ab1b47b2ea88e9c2bd5f1a0c3f1e5a4b0a9a0b8c",
			expected: registry.Reference{
				Registry: "docker.io",
				Path:     "rclone/rclone",
				Tag:      "latest",
				Digest:   "sha256:f18b9a2d5e5ad6e6d4d1b3e9ab1b47b2ea88e9c2bd5f1a0c3f1e5a4b0a9a0b8c",
			},
		},
		{
			name:  "tag and digest",
			input: "debian:bookworm@sha256:f18b9a2d5e5ad6e6d4d1b3e9ab1b47b2ea88e9c2bd5f1a0c3f1e5a4b0a9a0b8c",
			expected: registry.Reference{
				Registry: "docker.io",
				Path:     "library/debian",
				Tag:      "bookworm",
				Digest:   "sha256:f18b9a2d5e5ad6e6d4d1b3e9ab1b47b2ea88e9c2bd5f1a0c3f1e5a4b0a9a0b8c",
			},
		},
		{
			name:     "localhost registry",
			input:    "localhost:5000/app",
			expected: registry.Reference{Registry: "localhost:5000", Path: "app", Tag: "latest"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, registry.ParseReference(tt.input))
		})
	}
}

func TestReferenceString(t *testing.T) {
	assert.Equal(t, "docker.io/library/debian:latest", registry.ParseReference("debian").String())
	assert.Equal(t, "host:5000/a/b:v1", registry.ParseReference("host:5000/a/b:v1").String())
	assert.Equal(t, "docker.io/library/node", registry.ParseReference("node:12").Name())
}

func TestReferenceValidate(t *testing.T) {
	t.Run("accepts a well formed digest", func(t *testing.T) {
		ref := registry.ParseReference("debian@sha256:f18b9a2d5e5ad6e6d4d1b3e9ab1b47b2ea88e9c2bd5f1a0c3f1e5a4b0a9a0b8c")
		require.NoError(t, ref.Validate())
	})

	t.Run("rejects a malformed digest", func(t *testing.T) {
		ref := registry.ParseReference("debian@sha256:nope")
		assert.Error(t, ref.Validate())
	})

	t.Run("rejects an empty repository path", func(t *testing.T) {
		assert.Error(t, registry.ParseReference("").Validate())
	})
}

func TestAPIHost(t *testing.T) {
	assert.Equal(t, "registry-1.docker.io", registry.APIHost("docker.io"))
	assert.Equal(t, "host:5000", registry.APIHost("host:5000"))
}
