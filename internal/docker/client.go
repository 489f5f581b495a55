package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/moby/moby/api/types/registry"
	"github.com/rs/zerolog"

	"github.com/ryanmoran/stackrun/internal/log"
	stackregistry "github.com/ryanmoran/stackrun/internal/registry"
	"github.com/ryanmoran/stackrun/internal/transport"
)

type Client struct {
	doer Doer
	auth *stackregistry.Auth
	log  zerolog.Logger
}

// NewClient creates a Client that sends its requests through doer.
func NewClient(doer Doer) Client {
	return Client{
		doer: doer,
		log:  log.WithComponent("docker"),
	}
}

// NewDefaultClient creates a Client with a real transport to endpoint.
func NewDefaultClient(endpoint transport.Endpoint, options transport.Options) (Client, error) {
	t, err := transport.New(endpoint, options)
	if err != nil {
		return Client{}, fmt.Errorf("failed to create docker client: %w\nEnsure Docker is running and DOCKER_HOST is set correctly", err)
	}

	return NewClient(t), nil
}

// WithAuth returns a copy of c that pulls images and creates services with
// credentials resolved through auth.
func (c Client) WithAuth(auth *stackregistry.Auth) Client {
	c.auth = auth
	return c
}

// Close closes the underlying transport, destroying any SSH tunnel.
func (c Client) Close() error {
	if closer, ok := c.doer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// send logs and issues r.
func (c Client) send(ctx context.Context, r transport.Request) (*transport.Response, error) {
	c.log.Debug().Str("method", r.Method).Str("path", r.Path).Msg("engine request")
	return c.doer.Send(ctx, r)
}

// call issues r and decodes the body into out, or discards it when out is
// nil. Any status outside codes is a ProtocolError.
func (c Client) call(ctx context.Context, r transport.Request, out any, codes ...int) error {
	resp, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	if out != nil {
		return resp.DecodeJSON(out, codes...)
	}
	if err := resp.Expect(codes...); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Close()
}

type PingResult struct {
	APIVersion string
	OSType     string
	Status     string
}

// Ping checks the engine is reachable.
func (c Client) Ping(ctx context.Context) (PingResult, error) {
	resp, err := c.send(ctx, transport.Request{Method: http.MethodGet, Path: "/_ping"})
	if err != nil {
		return PingResult{}, fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	if err := resp.Expect(http.StatusOK); err != nil {
		return PingResult{}, fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	body, err := resp.ReadBody()
	if err != nil {
		return PingResult{}, err
	}

	return PingResult{
		APIVersion: resp.Header.Get("API-Version"),
		OSType:     resp.Header.Get("OSType"),
		Status:     string(body),
	}, nil
}

// VersionInfo is the subset of GET /version this client reports.
type VersionInfo struct {
	Version       string `json:"Version"`
	APIVersion    string `json:"ApiVersion"`
	MinAPIVersion string `json:"MinAPIVersion,omitempty"`
	GitCommit     string `json:"GitCommit"`
	GoVersion     string `json:"GoVersion"`
	Os            string `json:"Os"`
	Arch          string `json:"Arch"`
	KernelVersion string `json:"KernelVersion,omitempty"`
}

func (c Client) Version(ctx context.Context) (VersionInfo, error) {
	var version VersionInfo
	err := c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/version"}, &version, http.StatusOK)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("failed to read docker daemon version: %w", err)
	}
	return version, nil
}

// Login validates credentials with the engine. The returned identity token,
// when present, can stand in for the password.
func (c Client) Login(ctx context.Context, config registry.AuthConfig) (registry.AuthResponse, error) {
	var body registry.AuthResponse
	err := c.call(ctx, transport.Request{Method: http.MethodPost, Path: "/auth", Body: config}, &body, http.StatusOK)
	if hasStatus(err, http.StatusUnauthorized) {
		err = &stackregistry.AuthError{Registry: config.ServerAddress, Err: errors.Join(stackregistry.ErrCredentialsRejected, err)}
	}
	if err != nil {
		return registry.AuthResponse{}, fmt.Errorf("failed to log in to registry %q: %w\nCheck the configured credentials", config.ServerAddress, err)
	}
	return body, nil
}
