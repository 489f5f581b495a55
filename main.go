package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ryanmoran/stackrun/internal"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic occurred: %v\n", r)
			os.Exit(1)
		}
	}()

	err := run(os.Args, os.Environ(), internal.NewStandardWriter())
	var exit exitError
	if err != nil && !errors.As(err, &exit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitError carries a workload's nonzero exit code out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("workload exited with code %d", e.code)
}

func run(args, env []string, w internal.Writer) error {
	cleanupMgr := internal.NewCleanupManager()
	defer cleanupMgr.Execute()

	// Create context with cancellation for proper goroutine cleanup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals to cancel context and cleanup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	app := &app{
		env:     env,
		writer:  w,
		cleanup: cleanupMgr,
	}

	root := newRootCommand(app)
	root.SetArgs(args[1:])
	root.SetOut(w.Out())
	root.SetErr(w.Err())
	return root.ExecuteContext(ctx)
}

func newRootCommand(app *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackrun",
		Short: "Run one-shot workloads against a container engine",
		Long: `stackrun talks to a container engine over a unix socket, named pipe,
TCP or an SSH tunnel. It runs one-shot containers and services, follows
the engine's event feed and resolves registry credentials.

The engine is chosen with DOCKER_HOST; STACK_NAME scopes everything to a
stack namespace. STACKRUN_CONFIG names an optional YAML file overriding
any setting.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd)
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("stackrun version %s\nCommit: %s\n", Version, Commit))

	flags := root.PersistentFlags()
	flags.String("host", "", "Engine endpoint, overriding DOCKER_HOST")
	flags.String("namespace", "", "Stack namespace, overriding STACK_NAME")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Write logs as JSON even on a terminal")

	root.AddCommand(
		newRunCommand(app),
		newExecCommand(app),
		newMonitorCommand(app),
		newManifestCommand(app),
		newTagsCommand(app),
		newPingCommand(app),
		newVersionCommand(app),
		newInventoryCommand(app),
		newConfigCommand(app),
		newLabelsCommand(app),
		newNodesCommand(app),
	)
	return root
}
