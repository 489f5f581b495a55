package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/moby/moby/api/types/swarm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ryanmoran/stackrun/internal"
	"github.com/ryanmoran/stackrun/internal/docker"
)

func newExecCommand(app *app) *cobra.Command {
	var (
		file string
		name string
	)

	cmd := &cobra.Command{
		Use:   "exec -f FILE",
		Short: "Run a one-shot service and print its logs",
		Long: `Exec creates a service from a service spec document, waits for its single
task to finish, prints the task's output and deletes the service. A stale
service with the same name is removed first.

The document is a service spec in the engine's JSON form, written as JSON or
YAML. "-" reads it from stdin.

Examples:
  stackrun exec -f backup.yaml
  stackrun exec -f - --name nightly-backup < backup.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readServiceSpec(file)
			if err != nil {
				return err
			}
			if name != "" {
				spec.Name = internal.ServiceName(name, "")
			}
			if spec.Name == "" {
				return fmt.Errorf("failed to run service from %q: a name is required\nSet Name in the document or pass --name", file)
			}
			if app.config.Namespace != "" {
				if spec.Labels == nil {
					spec.Labels = map[string]string{}
				}
				spec.Labels[docker.NamespaceLabel] = app.config.Namespace
			}

			client, err := app.client()
			if err != nil {
				return err
			}

			var registryAuth string
			if spec.TaskTemplate.ContainerSpec != nil {
				registryAuth, err = client.RegistryAuth(cmd.Context(), spec.TaskTemplate.ContainerSpec.Image)
				if err != nil {
					return err
				}
			}

			result, err := client.NewOrchestrator(app.config.OrchestratorOptions()).Exec(cmd.Context(), spec, registryAuth)
			if result != nil {
				if len(result.Stdout) > 0 {
					app.writer.Println(result.Stdout)
				}
				if len(result.Stderr) > 0 {
					fmt.Fprintln(app.writer.Err(), result.Stderr)
				}
			}

			var failed *docker.TaskFailedError
			if errors.As(err, &failed) && failed.ExitCode != 0 {
				app.writer.Warning(failed.Error())
				return exitError{code: failed.ExitCode}
			}
			if err != nil {
				return fmt.Errorf("failed to run service %q: %w", spec.Name, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Service spec file (JSON or YAML, - for stdin)")
	cmd.Flags().StringVar(&name, "name", "", "Service name, overriding the document's")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readServiceSpec decodes a service spec written as JSON or YAML. YAML is
// re-encoded as JSON so the spec's JSON field names apply to both.
func readServiceSpec(path string) (swarm.ServiceSpec, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return swarm.ServiceSpec{}, fmt.Errorf("failed to read service spec %q: %w", path, err)
	}

	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return swarm.ServiceSpec{}, fmt.Errorf("failed to parse service spec %q: %w", path, err)
	}
	normalized, err := json.Marshal(document)
	if err != nil {
		return swarm.ServiceSpec{}, fmt.Errorf("failed to parse service spec %q: %w", path, err)
	}

	var spec swarm.ServiceSpec
	if err := json.Unmarshal(normalized, &spec); err != nil {
		return swarm.ServiceSpec{}, fmt.Errorf("failed to decode service spec %q: %w", path, err)
	}
	return spec, nil
}
