package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"screenrelay/cmd/internal/agent"
	"screenrelay/cmd/internal/app"
	"screenrelay/cmd/internal/capture"
	"screenrelay/cmd/internal/viewer"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "screenrelay",
		Short:         "Relay screen captures from a desktop agent to a remote viewer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", app.EnvString("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format (json, text); default json for serve, text otherwise")

	root.AddCommand(
		newServeCmd(g),
		newAgentCmd(g),
		newViewCmd(g),
		newLinkCmd(),
		newPresetsCmd(),
	)
	return root
}

func (g *globalFlags) format(def string) string {
	if g.logFormat != "" {
		return g.logFormat
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr, publicURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("public-url") {
				cfg.PublicURL = publicURL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = g.logLevel
			}
			cfg.LogFormat = g.format(cfg.LogFormat)
			return app.Run(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides RELAY_HTTP_ADDR)")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "Externally reachable base URL (overrides RELAY_PUBLIC_URL)")
	return cmd
}

func newAgentCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Poll the relay, capture the screen and upload results",
		Args:  cobra.NoArgs,
	}
	flags := agent.BindFlags(cmd.Flags())

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := flags.Resolve()
		if err != nil {
			return err
		}
		log := app.NewLogger(g.logLevel, g.format("text"))

		capturer, err := capture.NewCommandCapturer(log, cfg.CaptureCommand)
		if err != nil {
			return err
		}
		client := agent.NewClient(cfg.ServerURL, nil, cfg.RequestTimeout)

		ctx, cancel := signalContext()
		defer cancel()

		if !cfg.SkipProbe {
			if err := agent.Probe(ctx, log, client, agent.DefaultProbeOptions()); err != nil {
				return err
			}
		}
		return agent.New(log, client, capturer, cfg).Run(ctx)
	}
	return cmd
}

func newViewCmd(g *globalFlags) *cobra.Command {
	var (
		server string
		out    string
		opts   viewer.Options
	)

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Request one capture and save the image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := app.NewLogger(g.logLevel, g.format("text"))
			client := viewer.NewClient(server, nil)

			ctx, cancel := signalContext()
			defer cancel()

			res, err := viewer.New(log, client, opts).Capture(ctx)
			if err != nil {
				return err
			}
			path, err := viewer.WriteImage(out, res)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%s\n", path, len(res.Payload), res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&server, "server", app.EnvString("VIEWER_SERVER_URL", "http://localhost:8000"), "Relay base URL")
	f.DurationVar(&opts.Interval, "interval", viewer.DefaultInterval, "Poll interval")
	f.DurationVar(&opts.Timeout, "timeout", viewer.DefaultTimeout, "Give up after this long")
	f.StringVar(&opts.RequesterID, "requester", "", "Requester id (default viewer-<uuid>)")
	f.StringVar(&out, "out", "", "Output PNG path (default capture-<requestId>.png)")
	f.BoolVar(&opts.Watch, "watch", false, "Wait on the push stream instead of polling")
	return cmd
}

func newLinkCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Print the viewer-facing link the relay advertises",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			link, err := viewer.NewClient(server, nil).Link(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "viewer\t%s\nrelay\t%s\n", link.ViewerURL, link.RelayURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", app.EnvString("VIEWER_SERVER_URL", "http://localhost:8000"), "Relay base URL")
	return cmd
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List named capture regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printPresets(cmd.OutOrStdout())
		},
	}
}

func printPresets(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tX\tY\tWIDTH\tHEIGHT")
	for _, name := range capture.PresetNames() {
		r := capture.Presets[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", name, r.X, r.Y, r.Width, r.Height)
	}
	return tw.Flush()
}
