package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/docker/cli/cli/streams"
	"github.com/moby/moby/api/types/container"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/metrics"
	"github.com/ryanmoran/stackrun/internal/stream"
)

type ContainerOptions struct {
	// Name of the container. Empty lets the engine pick one.
	Name string
	// Stdin is forwarded when the container config opens stdin.
	Stdin io.Reader
	// Terminal is kept in size with the container when its config has a TTY.
	Terminal   *streams.Out
	TTYRetries int
	RetryDelay time.Duration
	// RemoveTimeout bounds the forced removal after a failed run.
	RemoveTimeout time.Duration
}

func (o ContainerOptions) withDefaults() ContainerOptions {
	if o.TTYRetries == 0 {
		o.TTYRetries = 10
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.RemoveTimeout == 0 {
		o.RemoveTimeout = 30 * time.Second
	}
	return o
}

// Container is a single run of a container spec. Its outputs can be read
// from before Run is called and are closed when the container's attach
// stream ends.
type Container struct {
	client  Client
	spec    container.CreateRequest
	options ContainerOptions
	stdout  *stream.Buffer
	stderr  *stream.Buffer
	log     zerolog.Logger

	mu sync.Mutex
	id string
}

// NewContainer prepares a run of spec. Nothing is sent to the engine until
// Run.
func (c Client) NewContainer(spec container.CreateRequest, options ContainerOptions) *Container {
	return &Container{
		client:  c,
		spec:    spec,
		options: options.withDefaults(),
		stdout:  stream.NewBuffer(),
		stderr:  stream.NewBuffer(),
		log:     log.WithComponent("runner"),
	}
}

// Stdout returns the container's primary output. With a TTY it carries
// everything the container writes.
func (c *Container) Stdout() io.Reader {
	return c.stdout
}

// Stderr returns the container's secondary output.
func (c *Container) Stderr() io.Reader {
	return c.stderr
}

// ID returns the engine's id for the container once it has been created.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Run creates, attaches, starts and waits for the container and returns its
// exit code. The container is created with AutoRemove so the engine deletes
// it on exit; Run returns once that removal is observed. If anything fails
// after create the container is force removed before Run returns.
func (c *Container) Run(ctx context.Context) (exitCode int64, err error) {
	timer := metrics.NewTimer()
	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case exitCode != 0:
			result = "nonzero"
		}
		metrics.WorkloadRuns.WithLabelValues("container", result).Inc()
		timer.ObserveDuration(metrics.WorkloadDuration, "container")
	}()

	spec, networks, err := c.prepare()
	if err != nil {
		c.closeOutputs(err)
		return -1, err
	}

	if err := c.client.EnsureImage(ctx, spec.Image); err != nil {
		c.closeOutputs(err)
		return -1, err
	}

	created, err := c.client.ContainerCreate(ctx, c.options.Name, spec)
	if err != nil {
		c.closeOutputs(err)
		return -1, err
	}
	c.mu.Lock()
	c.id = created.ID
	c.mu.Unlock()

	logger := log.WithContainerID(c.log, created.ID)
	for _, warning := range created.Warnings {
		logger.Warn().Msg(warning)
	}
	logger.Info().Str("image", spec.Image).Msg("container created")

	defer func() {
		if err == nil {
			return
		}
		c.closeOutputs(err)

		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.options.RemoveTimeout)
		defer cancel()
		if removeErr := c.client.ContainerRemove(removeCtx, created.ID, true); removeErr != nil {
			logger.Warn().Err(removeErr).Msg("failed to remove container after failed run")
			err = errors.Join(err, removeErr)
		}
	}()

	stdin := spec.OpenStdin && c.options.Stdin != nil
	conn, err := c.client.ContainerAttach(ctx, created.ID, AttachOptions{Stdin: stdin, Logs: true})
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	drained := c.pump(conn, spec.Tty, stdin, logger)

	for _, name := range networks {
		if err = c.client.NetworkConnect(ctx, name, created.ID, c.spec.NetworkingConfig.EndpointsConfig[name]); err != nil {
			return -1, err
		}
		logger.Debug().Str("network", name).Msg("network connected")
	}

	wait, err := c.client.ContainerWait(ctx, created.ID, container.WaitConditionRemoved)
	if err != nil {
		return -1, err
	}
	defer wait.Close()

	if err = c.client.ContainerStart(ctx, created.ID); err != nil {
		return -1, err
	}
	logger.Info().Msg("container started")

	if spec.Tty && c.options.Terminal != nil {
		NewTTY(c.client, c.options.Terminal, created.ID, c.options.TTYRetries, c.options.RetryDelay, logger).Monitor(ctx)
	}

	result, err := wait.Result()
	if err != nil {
		return -1, err
	}
	logger.Info().Int64("exit_code", result.StatusCode).Msg("container exited")

	select {
	case drainErr := <-drained:
		if drainErr != nil {
			logger.Warn().Err(drainErr).Msg("output stream ended with an error")
		}
	case <-ctx.Done():
		conn.Close()
	}

	return result.StatusCode, nil
}

// prepare copies the spec with AutoRemove forced on. With more than one
// network the create-time networks are dropped and returned, sorted, to be
// connected one at a time after create.
func (c *Container) prepare() (container.CreateRequest, []string, error) {
	spec := c.spec
	if spec.Config == nil || spec.Image == "" {
		return container.CreateRequest{}, nil, fmt.Errorf("failed to run container %q: an image is required", c.options.Name)
	}

	var host container.HostConfig
	if spec.HostConfig != nil {
		host = *spec.HostConfig
	}
	host.AutoRemove = true
	spec.HostConfig = &host

	if spec.NetworkingConfig == nil || len(spec.NetworkingConfig.EndpointsConfig) < 2 {
		return spec, nil, nil
	}

	networks := slices.Sorted(maps.Keys(spec.NetworkingConfig.EndpointsConfig))
	spec.NetworkingConfig = nil
	return spec, networks, nil
}

// pump moves the attach stream into the outputs and stdin into the
// container. The returned channel yields once both outputs are closed.
func (c *Container) pump(conn net.Conn, tty, stdin bool, logger zerolog.Logger) <-chan error {
	var g errgroup.Group

	if tty {
		g.Go(func() error {
			defer c.stderr.Close()
			defer c.stdout.Close()
			_, err := io.Copy(c.stdout, conn)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		})
	} else {
		streams := stream.DemuxInto(conn, c.stdout, c.stderr)
		g.Go(func() error {
			<-streams.Done()
			return streams.Err()
		})
	}

	// stdin may never reach EOF, so it is not part of the group
	if stdin {
		go func() {
			_, err := io.Copy(conn, c.options.Stdin)
			if err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("stdin forwarding error")
			}
			if closer, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = closer.CloseWrite()
			}
		}()
	}

	drained := make(chan error, 1)
	go func() {
		drained <- g.Wait()
	}()
	return drained
}

func (c *Container) closeOutputs(err error) {
	_ = c.stdout.CloseWithError(err)
	_ = c.stderr.CloseWithError(err)
}
