package docker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/ryanmoran/stackrun/internal/transport"
)

// ContainerCreate creates a container named name, or an anonymous one when
// name is empty.
func (c Client) ContainerCreate(ctx context.Context, name string, spec container.CreateRequest) (container.CreateResponse, error) {
	query := url.Values{}
	if name != "" {
		query.Set("name", name)
	}

	var created container.CreateResponse
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/create",
		Query:  query,
		Body:   spec,
	}, &created, http.StatusCreated)
	if err != nil {
		return container.CreateResponse{}, fmt.Errorf("failed to create container %q from image %q: %w\nEnsure image exists and container config is valid", name, imageOf(spec), err)
	}

	return created, nil
}

// ContainerStart starts id. An already running container is not an error.
func (c Client) ContainerStart(ctx context.Context, id string) error {
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + id + "/start",
	}, nil, http.StatusNoContent, http.StatusNotModified)
	if err != nil {
		return fmt.Errorf("failed to start container %q: %w\nContainer may be misconfigured or Docker daemon may be unhealthy", id, err)
	}
	return nil
}

// Wait is a registered container wait. The engine answers the request as
// soon as the wait is in place and sends the body once the condition holds.
type Wait struct {
	id   string
	resp *transport.Response
}

// ContainerWait registers a wait for condition and returns once the engine
// has accepted it, before the condition is met.
func (c Client) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (*Wait, error) {
	resp, err := c.send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + id + "/wait",
		Query:  url.Values{"condition": {string(condition)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wait for container %q: %w", id, err)
	}
	if err := resp.Expect(http.StatusOK); err != nil {
		return nil, fmt.Errorf("failed to wait for container %q: %w\nDocker daemon may have encountered an error", id, err)
	}
	return &Wait{id: id, resp: resp}, nil
}

// Result blocks until the condition holds and returns the exit status.
func (w *Wait) Result() (container.WaitResponse, error) {
	var result container.WaitResponse
	if err := w.resp.DecodeJSON(&result, http.StatusOK); err != nil {
		return container.WaitResponse{}, fmt.Errorf("failed to wait for container %q: %w", w.id, err)
	}
	if result.Error != nil && result.Error.Message != "" {
		return result, fmt.Errorf("failed to wait for container %q: %s", w.id, result.Error.Message)
	}
	return result, nil
}

// Close abandons the wait.
func (w *Wait) Close() error {
	return w.resp.Close()
}

type AttachOptions struct {
	Stdin bool
	// Logs replays output produced before the attach.
	Logs bool
}

// ContainerAttach upgrades to the raw duplex stream of id. Unless the
// container has a TTY the output is multiplexed into frames.
func (c Client) ContainerAttach(ctx context.Context, id string, options AttachOptions) (net.Conn, error) {
	query := url.Values{
		"stream": {"1"},
		"stdout": {"1"},
		"stderr": {"1"},
	}
	if options.Stdin {
		query.Set("stdin", "1")
	}
	if options.Logs {
		query.Set("logs", "1")
	}

	c.log.Debug().Str("container_id", id).Msg("attaching")
	conn, err := c.doer.Hijack(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + id + "/attach",
		Query:  query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %q: %w\nContainer may have exited prematurely or Docker API is unreachable", id, err)
	}
	return conn, nil
}

// ContainerRemove removes id. A container that is already gone, or already
// being removed, is not an error.
func (c Client) ContainerRemove(ctx context.Context, id string, force bool) error {
	query := url.Values{"v": {"1"}}
	if force {
		query.Set("force", "1")
	}

	err := c.call(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "/containers/" + id,
		Query:  query,
	}, nil, http.StatusNoContent, http.StatusNotFound, http.StatusConflict)
	if err != nil {
		if force {
			return fmt.Errorf("failed to force remove container %q: %w\nContainer may be in an inconsistent state", id, err)
		}
		return fmt.Errorf("failed to remove container %q: %w\nContainer may still be running - use force if needed", id, err)
	}
	return nil
}

// ContainerResize sets the TTY size of id.
func (c Client) ContainerResize(ctx context.Context, id string, height, width uint) error {
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + id + "/resize",
		Query: url.Values{
			"h": {strconv.FormatUint(uint64(height), 10)},
			"w": {strconv.FormatUint(uint64(width), 10)},
		},
	}, nil, http.StatusOK)
	if err != nil {
		return fmt.Errorf("failed to resize tty of container %q: %w", id, err)
	}
	return nil
}

type networkConnectRequest struct {
	Container      string                    `json:"Container"`
	EndpointConfig *network.EndpointSettings `json:"EndpointConfig,omitempty"`
}

// NetworkConnect joins containerID to the named network.
func (c Client) NetworkConnect(ctx context.Context, name, containerID string, settings *network.EndpointSettings) error {
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/networks/" + url.PathEscape(name) + "/connect",
		Body:   networkConnectRequest{Container: containerID, EndpointConfig: settings},
	}, nil, http.StatusOK)
	if err != nil {
		return fmt.Errorf("failed to connect container %q to network %q: %w\nCheck that the network exists and is attachable", containerID, name, err)
	}
	return nil
}

func imageOf(spec container.CreateRequest) string {
	if spec.Config == nil {
		return ""
	}
	return spec.Image
}
