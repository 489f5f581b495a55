package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/cli/cli/streams"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ryanmoran/stackrun/internal"
	"github.com/ryanmoran/stackrun/internal/docker"
)

// RunLabel records the session that created an object.
const RunLabel = "com.stackrun.run"

func newRunCommand(app *app) *cobra.Command {
	var (
		image       string
		name        string
		entrypoint  []string
		networks    []string
		env         []string
		labels      []string
		interactive bool
		tty         bool
	)

	cmd := &cobra.Command{
		Use:   "run --image IMAGE [flags] [-- COMMAND...]",
		Short: "Run a one-shot container and stream its output",
		Long: `Run creates a container, streams its stdout and stderr and exits with the
container's exit code. The container is removed by the engine once it exits,
and forcibly if anything goes wrong on the way.

Examples:
  stackrun run --image alpine -- sh -c 'echo hi'
  stackrun run --image alpine --network backend --network frontend -- env
  stackrun run -it --image alpine -- sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			session := internal.GenerateSession()
			if name == "" {
				name = string(session.ID())
			}

			labelMap := parseLabels(labels)
			labelMap[RunLabel] = session.RunID()
			if app.config.Namespace != "" {
				labelMap[docker.NamespaceLabel] = app.config.Namespace
			}

			spec := containerSpec(image, args, entrypoint, env, labelMap, networks, interactive, tty)
			options := app.config.ContainerOptions(name)

			out := app.writer.Out()
			if interactive {
				in := streams.NewIn(os.Stdin)
				options.Stdin = in
				if tty && in.IsTerminal() {
					if err := in.SetRawTerminal(); err != nil {
						return fmt.Errorf("failed to set terminal to raw mode: %w", err)
					}
					defer in.RestoreTerminal()
				}
			}
			if tty {
				options.Terminal = out
				if out.IsTerminal() {
					if err := out.SetRawTerminal(); err != nil {
						return fmt.Errorf("failed to set terminal to raw mode: %w", err)
					}
					defer out.RestoreTerminal()
				}
			}

			workload := client.NewContainer(spec, options)

			var g errgroup.Group
			g.Go(func() error {
				_, err := io.Copy(out, workload.Stdout())
				return err
			})
			g.Go(func() error {
				_, err := io.Copy(app.writer.Err(), workload.Stderr())
				return err
			})

			code, err := workload.Run(cmd.Context())
			copyErr := g.Wait()
			if err != nil {
				return fmt.Errorf("failed to run container %q from image %q: %w", name, image, err)
			}
			if copyErr != nil {
				return fmt.Errorf("failed to copy output of container %q: %w", name, copyErr)
			}
			if code != 0 {
				return exitError{code: int(code)}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&image, "image", "", "Image to run")
	flags.StringVar(&name, "name", "", "Container name (default stackrun-<id>)")
	flags.StringSliceVar(&entrypoint, "entrypoint", nil, "Override the image entrypoint")
	flags.StringArrayVar(&networks, "network", nil, "Connect to a network (repeatable)")
	flags.StringArrayVarP(&env, "env", "e", nil, "Set an environment variable KEY=value (repeatable)")
	flags.StringArrayVarP(&labels, "label", "l", nil, "Set a label key=value (repeatable)")
	flags.BoolVarP(&interactive, "interactive", "i", false, "Forward stdin")
	flags.BoolVarP(&tty, "tty", "t", false, "Allocate a terminal")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func containerSpec(image string, args, entrypoint, env []string, labels map[string]string, networks []string, interactive, tty bool) container.CreateRequest {
	spec := container.CreateRequest{
		Config: &container.Config{
			Image:        image,
			Cmd:          args,
			Entrypoint:   entrypoint,
			Env:          env,
			Labels:       labels,
			Tty:          tty,
			OpenStdin:    interactive,
			StdinOnce:    interactive,
			AttachStdin:  interactive,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{AutoRemove: true},
	}

	if len(networks) > 0 {
		endpoints := make(map[string]*network.EndpointSettings, len(networks))
		for _, name := range networks {
			endpoints[name] = &network.EndpointSettings{}
		}
		spec.NetworkingConfig = &network.NetworkingConfig{EndpointsConfig: endpoints}
	}
	return spec
}

// parseLabels turns key=value pairs into a map. A bare key maps to "".
func parseLabels(pairs []string) map[string]string {
	labels := make(map[string]string, len(pairs)+2)
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		labels[key] = value
	}
	return labels
}

// exitCode returns the code an error should end the process with.
func exitCode(err error) int {
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if err != nil {
		return 1
	}
	return 0
}
