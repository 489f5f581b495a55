package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/moby/moby/api/types/registry"
)

// Auth hands out one Client per registry host, all sharing a credential
// resolver and a token cache.
type Auth struct {
	options Options

	mu      sync.Mutex
	clients map[string]*Client
}

func NewAuth(options Options) *Auth {
	return &Auth{
		options: options.withDefaults(),
		clients: make(map[string]*Client),
	}
}

// Client returns the client for registry, creating it on first use.
func (a *Auth) Client(registry string) *Client {
	a.mu.Lock()
	defer a.mu.Unlock()

	client, ok := a.clients[registry]
	if !ok {
		client = NewClient(registry, a.options)
		a.clients[registry] = client
	}
	return client
}

// Tokens returns the shared token cache.
func (a *Auth) Tokens() *TokenCache {
	return a.options.Tokens
}

// Manifest resolves image and fetches its manifest.
func (a *Auth) Manifest(ctx context.Context, image string) (Manifest, error) {
	ref := ParseReference(image)
	if err := ref.Validate(); err != nil {
		return Manifest{}, err
	}
	return a.Client(ref.Registry).Manifest(ctx, ref)
}

// Tags resolves image and lists its repository's tags.
func (a *Auth) Tags(ctx context.Context, image string) ([]string, error) {
	ref := ParseReference(image)
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return a.Client(ref.Registry).Tags(ctx, ref)
}

// AuthConfig returns the engine-facing credentials for image's registry.
func (a *Auth) AuthConfig(image string) (registry.AuthConfig, bool, error) {
	ref := ParseReference(image)
	creds, ok, err := a.options.Credentials.Resolve(ref.Registry)
	if err != nil || !ok {
		return registry.AuthConfig{}, false, err
	}

	return registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		IdentityToken: creds.IdentityToken,
		ServerAddress: ref.Registry,
	}, true, nil
}

// ResolveCredential returns the X-Registry-Auth header value for pulling
// image, or ok=false when no credentials are configured for its registry.
func (a *Auth) ResolveCredential(image string) (header string, ok bool, err error) {
	config, ok, err := a.AuthConfig(image)
	if err != nil || !ok {
		return "", false, err
	}

	header, err = EncodeAuthConfig(config)
	if err != nil {
		return "", false, err
	}
	return header, true, nil
}

// EncodeAuthConfig encodes config the way the engine expects in the
// X-Registry-Auth header: URL-safe base64 of its JSON form.
func EncodeAuthConfig(config registry.AuthConfig) (string, error) {
	payload, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}
