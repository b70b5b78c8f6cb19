package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/stepflow/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string // overrides server.addr
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and timeout sweeper",
		Long: `Serve the REST API, the websocket activity stream, and /metrics, and
sweep expired waits every engine.sweep_interval. Stops gracefully on
SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := opts.openApp(ctx, cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	addr := a.Config.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	go a.RunSweeper(ctx, a.Config.Engine.SweepInterval)

	if err := api.NewServer(a).ListenAndServe(ctx, addr, a.Config.Server.ShutdownTimeout); err != nil {
		return formatter.Fail(err)
	}
	return nil
}
