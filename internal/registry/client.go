package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/metrics"
	"github.com/ryanmoran/stackrun/internal/transport"
)

const (
	MediaTypeManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	// tagConcurrency bounds the manifest fetches issued by AllManifests.
	tagConcurrency = 10
	maxErrorBody   = 64 * 1024
)

var manifestAccept = strings.Join([]string{
	MediaTypeManifest,
	MediaTypeManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}, ", ")

// Manifest is an image manifest or manifest list as returned by the registry.
type Manifest struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType,omitempty"`
	Config        *ocispec.Descriptor  `json:"config,omitempty"`
	Layers        []ocispec.Descriptor `json:"layers,omitempty"`
	Manifests     []ocispec.Descriptor `json:"manifests,omitempty"`

	// Digest is the registry's Docker-Content-Digest, or the digest of the
	// body when the header is absent.
	Digest digest.Digest `json:"-"`
	Raw    []byte        `json:"-"`
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configure clients created by NewClient and NewAuth.
type Options struct {
	HTTPClient  Doer
	Credentials CredentialResolver
	Tokens      *TokenCache
	// Insecure lists registry hosts reached over plain http.
	Insecure []string
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Credentials == nil {
		o.Credentials = ChainResolver{}
	}
	if o.Tokens == nil {
		o.Tokens = NewTokenCache()
	}
	return o
}

// Client talks to the v2 API of one registry.
type Client struct {
	registry string
	baseURL  string
	http     Doer
	creds    CredentialResolver
	tokens   *TokenCache
	log      zerolog.Logger

	// negotiating serializes challenge negotiation so concurrent requests
	// that all hit 401 share a single token.
	negotiating sync.Mutex
}

func NewClient(registry string, options Options) *Client {
	options = options.withDefaults()

	scheme := "https"
	if slices.Contains(options.Insecure, registry) {
		scheme = "http"
	}

	return &Client{
		registry: registry,
		baseURL:  scheme + "://" + APIHost(registry),
		http:     options.HTTPClient,
		creds:    options.Credentials,
		tokens:   options.Tokens,
		log:      log.WithComponent("registry").With().Str("registry", registry).Logger(),
	}
}

// Registry returns the registry host this client serves.
func (c *Client) Registry() string {
	return c.registry
}

// Manifest fetches the manifest for ref's tag.
func (c *Client) Manifest(ctx context.Context, ref Reference) (Manifest, error) {
	body, header, err := c.get(ctx, "/v2/"+ref.Path+"/manifests/"+ref.Tag, manifestAccept)
	if err != nil {
		return Manifest{}, err
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest for %q: %w", ref.String(), err)
	}
	manifest.Raw = body
	manifest.Digest = digest.Digest(header.Get("Docker-Content-Digest"))
	if manifest.Digest == "" {
		manifest.Digest = digest.FromBytes(body)
	}

	return manifest, nil
}

// Tags lists the tags of ref's repository.
func (c *Client) Tags(ctx context.Context, ref Reference) ([]string, error) {
	body, _, err := c.get(ctx, "/v2/"+ref.Path+"/tags/list", "application/json")
	if err != nil {
		return nil, err
	}

	var list struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode tag list for %q: %w", ref.Name(), err)
	}

	return list.Tags, nil
}

// AllManifests fetches the manifest of every tag in the repository at path,
// at most ten at a time. The first failure cancels the rest.
func (c *Client) AllManifests(ctx context.Context, path string) (map[string]Manifest, error) {
	base := Reference{Registry: c.registry, Path: path, Tag: defaultTag}
	tags, err := c.Tags(ctx, base)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		manifests = make(map[string]Manifest, len(tags))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tagConcurrency)
	for _, tag := range tags {
		g.Go(func() error {
			ref := base
			ref.Tag = tag
			manifest, err := c.Manifest(gctx, ref)
			if err != nil {
				return err
			}
			mu.Lock()
			manifests[tag] = manifest
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return manifests, nil
}

// get issues path with the cached token, if any. A 401 drops the cached
// token and negotiates once against the challenge before retrying.
func (c *Client) get(ctx context.Context, path, accept string) ([]byte, http.Header, error) {
	token, cached := c.tokens.Get(c.registry)

	resp, err := c.do(ctx, path, accept, token.Value)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return c.read(resp, path)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return nil, nil, c.unexpected(resp, path)
	}
	drain(resp)

	if cached {
		c.log.Debug().Str("scheme", token.Scheme).Msg("cached token rejected")
		c.tokens.Invalidate(c.registry, token.Value)
	}

	token, err = c.negotiate(ctx, resp.Header.Get("WWW-Authenticate"), token.Value)
	if err != nil {
		return nil, nil, err
	}

	resp, err = c.do(ctx, path, accept, token.Value)
	if err != nil {
		return nil, nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		metrics.RegistryAuth.WithLabelValues(token.Scheme, "ok").Inc()
		return c.read(resp, path)
	case http.StatusUnauthorized:
		drain(resp)
		c.tokens.Invalidate(c.registry, token.Value)
		metrics.RegistryAuth.WithLabelValues(token.Scheme, "rejected").Inc()
		return nil, nil, &AuthError{Registry: c.registry, Scheme: token.Scheme, Err: ErrCredentialsRejected}
	default:
		return nil, nil, c.unexpected(resp, path)
	}
}

// negotiate answers challenge and caches the result. When another caller
// already replaced the rejected token, that token is reused.
func (c *Client) negotiate(ctx context.Context, header, rejected string) (Token, error) {
	c.negotiating.Lock()
	defer c.negotiating.Unlock()

	if token, ok := c.tokens.Get(c.registry); ok && token.Value != rejected {
		return token, nil
	}

	if header == "" {
		return Token{}, &AuthError{Registry: c.registry, Err: errors.New("registry returned 401 without a challenge")}
	}

	challenge := ParseChallenge(header)
	creds, ok, err := c.creds.Resolve(c.registry)
	if err != nil {
		return Token{}, &AuthError{Registry: c.registry, Scheme: challenge.Scheme, Err: err}
	}

	var value string
	switch challenge.Scheme {
	case "basic":
		if !ok {
			metrics.RegistryAuth.WithLabelValues("basic", "missing").Inc()
			return Token{}, &AuthError{Registry: c.registry, Scheme: "basic", Err: ErrMissingCredentials}
		}
		value = "Basic " + basicAuth(creds)
	case "bearer":
		bearer, err := c.fetchBearer(ctx, challenge, creds, ok)
		if err != nil {
			return Token{}, err
		}
		value = "Bearer " + bearer
	default:
		return Token{}, &AuthError{
			Registry: c.registry,
			Scheme:   challenge.Scheme,
			Err:      fmt.Errorf("unsupported challenge scheme %q", challenge.Scheme),
		}
	}

	c.log.Debug().Str("scheme", challenge.Scheme).Msg("negotiated registry token")
	return c.tokens.Put(c.registry, challenge.Scheme, value), nil
}

func (c *Client) fetchBearer(ctx context.Context, challenge Challenge, creds Credentials, haveCreds bool) (string, error) {
	realm := challenge.Params["realm"]
	if realm == "" {
		return "", &AuthError{Registry: c.registry, Scheme: "bearer", Err: errors.New("challenge has no realm")}
	}

	u, err := url.Parse(realm)
	if err != nil {
		return "", &AuthError{Registry: c.registry, Scheme: "bearer", Err: fmt.Errorf("invalid realm %q: %w", realm, err)}
	}
	query := u.Query()
	for _, key := range []string{"service", "scope"} {
		if value := challenge.Params[key]; value != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if haveCreds && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &transport.TransportError{Endpoint: u.Host, Op: "fetch registry token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		cause := ErrCredentialsRejected
		result := "rejected"
		if !haveCreds {
			cause = ErrMissingCredentials
			result = "missing"
		}
		metrics.RegistryAuth.WithLabelValues("bearer", result).Inc()
		return "", &AuthError{Registry: c.registry, Scheme: "bearer", Err: cause}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &transport.ProtocolError{Method: http.MethodGet, Path: u.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &AuthError{Registry: c.registry, Scheme: "bearer", Err: fmt.Errorf("failed to decode token response: %w", err)}
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", &AuthError{Registry: c.registry, Scheme: "bearer", Err: errors.New("token response carried no token")}
	}

	return token, nil
}

func (c *Client) do(ctx context.Context, path, accept, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request %q: %w", path, err)
	}
	req.Header.Set("Accept", accept)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transport.TransportError{Endpoint: c.registry, Op: "GET " + path, Err: err}
	}
	return resp, nil
}

func (c *Client) read(resp *http.Response, path string) ([]byte, http.Header, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &transport.TransportError{Endpoint: c.registry, Op: "read " + path, Err: err}
	}
	return body, resp.Header, nil
}

func (c *Client) unexpected(resp *http.Response, path string) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &transport.ProtocolError{
		Method:     http.MethodGet,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func basicAuth(creds Credentials) string {
	return base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
}
