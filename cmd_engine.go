package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/inventory"
)

func newPingCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the engine is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			ping, err := client.Ping(cmd.Context())
			if err != nil {
				return fmt.Errorf("%w\nMake sure the engine is running and DOCKER_HOST is correct", err)
			}
			app.writer.Printf("%s (api %s, %s)\n", ping.Status, ping.APIVersion, ping.OSType)
			return nil
		},
	}
}

func newVersionCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the engine's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			version, err := client.Version(cmd.Context())
			if err != nil {
				return err
			}
			return app.writer.PrintJSON(version)
		},
	}
}

type inventoryEntry struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Driver string `json:"driver,omitempty"`
}

func newInventoryCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "List the namespace's configs, secrets and volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}
			inv := inventory.New(client, app.config.Namespace)
			ctx := cmd.Context()

			listing := map[inventory.Kind][]inventoryEntry{}

			configs, err := inv.Configs(ctx)
			if err != nil {
				return err
			}
			for _, config := range configs {
				listing[inventory.KindConfig] = append(listing[inventory.KindConfig], inventoryEntry{ID: config.ID, Name: config.Spec.Name})
			}

			secrets, err := inv.Secrets(ctx)
			if err != nil {
				return err
			}
			for _, secret := range secrets {
				listing[inventory.KindSecret] = append(listing[inventory.KindSecret], inventoryEntry{ID: secret.ID, Name: secret.Spec.Name})
			}

			volumes, err := inv.Volumes(ctx)
			if err != nil {
				return err
			}
			for _, v := range volumes {
				listing[inventory.KindVolume] = append(listing[inventory.KindVolume], inventoryEntry{Name: v.Name, Driver: v.Driver})
			}

			return app.writer.PrintJSON(listing)
		},
	}
}

func newConfigCommand(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write engine configs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "read NAME",
		Short: "Print the data of a config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			data, ok, err := client.ConfigRead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("failed to read config %q: not found", args[0])
			}
			app.writer.Print(string(data))
			return nil
		},
	})

	var labels []string
	write := &cobra.Command{
		Use:   "write NAME VALUE",
		Short: "Replace a config, - reads VALUE from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			data := []byte(args[1])
			if args[1] == "-" {
				data, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read config value from stdin: %w", err)
				}
			}

			id, err := client.ConfigWrite(cmd.Context(), args[0], app.config.Namespace, data, parseLabels(labels))
			if err != nil {
				return err
			}
			app.writer.Println(id)
			return nil
		},
	}
	write.Flags().StringArrayVarP(&labels, "label", "l", nil, "Set a label key=value (repeatable)")
	cmd.AddCommand(write)

	return cmd
}

func newLabelsCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "labels SERVICE [KEY VALUE]",
		Short: "Print a service's labels, or set one",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return fmt.Errorf("expected SERVICE or SERVICE KEY VALUE, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			if len(args) == 3 {
				return client.ServiceLabelWrite(cmd.Context(), args[0], args[1], args[2])
			}

			labels, err := client.ServiceLabels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return app.writer.PrintJSON(labels)
		},
	}
}

func newNodesCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List swarm nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			nodes, err := client.NodeList(cmd.Context(), docker.NewFilters())
			if err != nil {
				return err
			}
			for _, node := range nodes {
				app.writer.Printf("%s\t%s\t%s\t%s\t%s\n", node.ID, node.Description.Hostname, node.Spec.Role, node.Status.State, node.Spec.Availability)
			}
			return nil
		},
	}
}
