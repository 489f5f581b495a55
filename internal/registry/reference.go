package registry

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	// DefaultRegistry is assumed when a reference names no registry host.
	DefaultRegistry = "docker.io"
	// defaultAPIHost serves the v2 API for DefaultRegistry.
	defaultAPIHost = "registry-1.docker.io"
	defaultTag     = "latest"
)

// Reference is the canonical form of a free-form image reference.
type Reference struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseReference canonicalizes s. It never fails: a name without a slash is
// placed under library/, the first segment is a registry host only when it
// contains a dot or a colon, an @ splits off the digest and the first colon
// of what remains splits off the tag, which defaults to latest.
func ParseReference(s string) Reference {
	name := s
	if !strings.Contains(name, "/") {
		name = "library/" + name
	}

	registry := DefaultRegistry
	if host, rest, ok := strings.Cut(name, "/"); ok && strings.ContainsAny(host, ".:") {
		registry = host
		name = rest
	}

	var ref Reference
	ref.Registry = registry

	if before, after, ok := strings.Cut(name, "@"); ok {
		name = before
		ref.Digest = after
	}

	ref.Tag = defaultTag
	if before, after, ok := strings.Cut(name, ":"); ok {
		name = before
		ref.Tag = after
	}
	ref.Path = name

	return ref
}

// Name returns registry/path.
func (r Reference) Name() string {
	return r.Registry + "/" + r.Path
}

// String returns the fully qualified reference.
func (r Reference) String() string {
	s := r.Name() + ":" + r.Tag
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// Validate checks the digest, when present, is well formed.
func (r Reference) Validate() error {
	if r.Path == "" || strings.HasSuffix(r.Path, "/") {
		return fmt.Errorf("invalid image reference %q: empty repository path", r.String())
	}
	if r.Digest == "" {
		return nil
	}
	if _, err := digest.Parse(r.Digest); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", r.String(), err)
	}
	return nil
}

// APIHost returns the host serving the v2 API for registry.
func APIHost(registry string) string {
	if registry == DefaultRegistry {
		return defaultAPIHost
	}
	return registry
}
