package docker_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/stream"
	"github.com/ryanmoran/stackrun/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellSpec(script string) container.CreateRequest {
	return container.CreateRequest{
		Config: &container.Config{
			Image:      "alpine",
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd:        []string{script},
		},
	}
}

func readAll(r io.Reader) <-chan string {
	out := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		out <- string(data)
	}()
	return out
}

// closeTracker records whether the wrapped conn was closed.
type closeTracker struct {
	net.Conn
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func TestContainerRun(t *testing.T) {
	t.Run("separates stdout and stderr and returns the exit code", func(t *testing.T) {
		engine := newFakeEngine(t)
		engine.stdout = "4"
		engine.stderr = "hi"

		c := engine.client(t).NewContainer(shellSpec(`echo -n $((3+1)); echo -n hi 1>&2; exit 0`), docker.ContainerOptions{Name: "job-1"})
		stdout := readAll(c.Stdout())
		stderr := readAll(c.Stderr())

		code, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 0, code)
		assert.Equal(t, "4", <-stdout)
		assert.Equal(t, "hi", <-stderr)
		assert.Equal(t, "c1", c.ID())

		assert.Equal(t, []string{
			"GET /images/alpine/json",
			"POST /containers/create",
			"POST /containers/c1/attach",
			"POST /containers/c1/wait",
			"POST /containers/c1/start",
		}, engine.recorded())
		require.NotNil(t, engine.created.HostConfig)
		assert.True(t, engine.created.HostConfig.AutoRemove)
		assert.Empty(t, engine.deletes)
	})

	t.Run("returns a non-zero exit code without error", func(t *testing.T) {
		engine := newFakeEngine(t)
		engine.exitCode = 3

		code, err := engine.client(t).NewContainer(shellSpec("exit 3"), docker.ContainerOptions{}).Run(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 3, code)
	})

	t.Run("keeps a single network at create time", func(t *testing.T) {
		engine := newFakeEngine(t)
		spec := shellSpec("true")
		spec.NetworkingConfig = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			"backend": {Aliases: []string{"job"}},
		}}

		_, err := engine.client(t).NewContainer(spec, docker.ContainerOptions{}).Run(context.Background())
		require.NoError(t, err)
		require.NotNil(t, engine.created.NetworkingConfig)
		assert.Contains(t, engine.created.NetworkingConfig.EndpointsConfig, "backend")
		assert.Empty(t, engine.connected)
	})

	t.Run("connects multiple networks one at a time after create", func(t *testing.T) {
		engine := newFakeEngine(t)
		spec := shellSpec("true")
		spec.NetworkingConfig = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			"frontend": {},
			"backend":  {},
		}}

		_, err := engine.client(t).NewContainer(spec, docker.ContainerOptions{}).Run(context.Background())
		require.NoError(t, err)
		assert.Nil(t, engine.created.NetworkingConfig)
		assert.Equal(t, []string{"backend", "frontend"}, engine.connected)
	})

	t.Run("removes the container when start fails", func(t *testing.T) {
		engine := newFakeEngine(t)
		engine.startStatus = http.StatusBadRequest

		c := engine.client(t).NewContainer(shellSpec("true"), docker.ContainerOptions{})
		_, err := c.Run(context.Background())

		var protocolErr *transport.ProtocolError
		require.ErrorAs(t, err, &protocolErr)
		assert.Equal(t, http.StatusBadRequest, protocolErr.StatusCode)
		assert.Contains(t, err.Error(), "executable file not found")
		assert.Equal(t, []string{"1"}, engine.deletes)

		_, readErr := io.ReadAll(c.Stdout())
		assert.Error(t, readErr)
	})

	t.Run("removes the container when a network connect fails", func(t *testing.T) {
		engine := newFakeEngine(t)
		engine.connectStatus = http.StatusNotFound
		spec := shellSpec("true")
		spec.NetworkingConfig = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			"a": {},
			"b": {},
		}}

		_, err := engine.client(t).NewContainer(spec, docker.ContainerOptions{}).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "network not found")
		assert.Equal(t, []string{"1"}, engine.deletes)
		assert.NotContains(t, engine.recorded(), "POST /containers/c1/start")
	})

	t.Run("aborts without cleanup when create fails", func(t *testing.T) {
		engine := newFakeEngine(t)
		engine.createStatus = http.StatusInternalServerError

		_, err := engine.client(t).NewContainer(shellSpec("true"), docker.ContainerOptions{}).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
		assert.Contains(t, err.Error(), "invalid mount config")
		assert.Empty(t, engine.deletes)
	})

	t.Run("rejects a spec without an image", func(t *testing.T) {
		engine := newFakeEngine(t)

		_, err := engine.client(t).NewContainer(container.CreateRequest{}, docker.ContainerOptions{}).Run(context.Background())
		require.Error(t, err)
		assert.Empty(t, engine.recorded())
	})

	t.Run("closes the attach connection after a successful run", func(t *testing.T) {
		var attach transport.Request
		tracker := &closeTracker{}
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				switch {
				case strings.HasPrefix(r.Path, "/images/"):
					return respond(r, http.StatusOK, `{"Id":"sha256:abc"}`), nil
				case r.Path == "/containers/create":
					return respond(r, http.StatusCreated, `{"Id":"c1"}`), nil
				case r.Path == "/containers/c1/wait":
					return respond(r, http.StatusOK, `{"StatusCode":0}`), nil
				case r.Path == "/containers/c1/start":
					return respond(r, http.StatusNoContent, nil), nil
				}
				return respond(r, http.StatusNotFound, `{"message":"unexpected request"}`), nil
			},
			hijackFunc: func(ctx context.Context, r transport.Request) (net.Conn, error) {
				attach = r
				client, server := net.Pipe()
				go func() {
					_, _ = server.Write(stream.EncodeFrame(stream.Primary, []byte("4")))
					server.Close()
				}()
				tracker.Conn = client
				return tracker, nil
			},
		}

		c := docker.NewClient(mock).NewContainer(shellSpec("echo -n 4"), docker.ContainerOptions{})
		stdout := readAll(c.Stdout())

		code, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 0, code)
		assert.Equal(t, "4", <-stdout)
		assert.True(t, tracker.closed.Load())

		assert.Equal(t, "/containers/c1/attach", attach.Path)
		assert.Equal(t, "1", attach.Query.Get("logs"))
		assert.Empty(t, attach.Query.Get("stdin"))
	})
}
