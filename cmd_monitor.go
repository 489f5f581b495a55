package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/moby/moby/api/types/events"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	stackevents "github.com/ryanmoran/stackrun/internal/events"
	"github.com/ryanmoran/stackrun/internal/inventory"
	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/metrics"
)

func newMonitorCommand(app *app) *cobra.Command {
	var (
		types       []string
		labels      []string
		since       string
		metricsAddr string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow the engine's event feed",
		Long: `Monitor prints engine events until interrupted. The subscription survives
dropped connections and quiet periods, resuming after the last event seen.
The config, secret and volume inventory of the namespace is kept fresh
alongside, and --metrics-addr serves Prometheus metrics.

Examples:
  stackrun monitor --type config --label com.example.role
  stackrun monitor --metrics-addr :9323 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}

			options := app.config.MonitorOptions()
			options.Since = since
			monitor := stackevents.NewMonitor(client, options)
			inv := inventory.New(client, app.config.Namespace)

			filter := stackevents.Filter{Labels: labels}
			for _, t := range types {
				filter.Types = append(filter.Types, events.Type(t))
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				return monitor.Subscribe(ctx, filter, func(message events.Message) {
					if jsonOutput {
						_ = app.writer.PrintJSON(message)
						return
					}
					app.writer.Println(formatEvent(message))
				})
			})

			g.Go(func() error {
				return inv.Watch(ctx, monitor)
			})

			if metricsAddr != "" {
				g.Go(func() error {
					return serveMetrics(ctx, metricsAddr)
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&types, "type", nil, "Only events of this type (repeatable)")
	flags.StringArrayVar(&labels, "label", nil, "Only events carrying this label, key or key=value (repeatable)")
	flags.StringVar(&since, "since", "", "Replay events since this unix timestamp")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&jsonOutput, "json", false, "Print events as JSON")

	return cmd
}

func formatEvent(message events.Message) string {
	when := time.Unix(message.Time, 0)
	if message.TimeNano != 0 {
		when = time.Unix(0, message.TimeNano)
	}
	line := fmt.Sprintf("%s %s %s %s", when.UTC().Format(time.RFC3339), message.Type, message.Action, message.Actor.ID)
	if name := message.Actor.Attributes["name"]; name != "" {
		line += " (" + name + ")"
	}
	return line
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := log.WithComponent("metrics")
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics on %q: %w", addr, err)
	}
	return ctx.Err()
}
