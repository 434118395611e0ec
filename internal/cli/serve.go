package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-bridge/pkg/config"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
)

// ServeOptions holds flags for the serve command. Flags override the config
// file and the environment.
type ServeOptions struct {
	*RootOptions
	Addr       string
	Endpoint   string
	EventStore string
	LogLevel   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP endpoint",
		Long: `Run the Streamable HTTP endpoint until interrupted.

Settings are read from the defaults, the --config file, MCP_BRIDGE_*
environment variables and finally the flags below.

Example:
  mcp-bridge serve --addr :8080
  mcp-bridge serve -c bridge.toml --event-store redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config, :3000)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "MCP endpoint path")
	cmd.Flags().StringVar(&opts.EventStore, "event-store", "", "event store driver (memory|redis|sqlite)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	return cmd
}

// resolveConfig loads the configuration and applies flags on top.
func resolveConfig(cmd *cobra.Command, opts *ServeOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitConfigError, "invalid configuration", err)
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = opts.Addr
	}
	if flags.Changed("endpoint") {
		cfg.Server.Endpoint = opts.Endpoint
	}
	if flags.Changed("event-store") {
		cfg.EventStore.Driver = eventstore.Driver(opts.EventStore)
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitConfigError, "invalid flags", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitFailure, "startup failed", err)
	}
	ln, err := a.listen()
	if err != nil {
		_ = a.shutdown(context.Background())
		return WrapExitError(ExitFailure, "startup failed", err)
	}
	if err := a.serve(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	return nil
}
