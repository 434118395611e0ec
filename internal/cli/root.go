// Package cli implements the mcp-bridge command line.
package cli

import (
	"github.com/spf13/cobra"
)

// Build information, set with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the mcp-bridge root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-bridge",
		Short: "Resumable MCP Streamable HTTP endpoint",
		Long: `mcp-bridge serves the Model Context Protocol over Streamable HTTP.

Each client session gets its own transport. Server messages are buffered in
an event store so a client that loses its SSE stream can reconnect with
Last-Event-ID and receive everything it missed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a .toml or .yaml config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand())
	return cmd
}
