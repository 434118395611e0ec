package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcp-bridge %s (commit %s, protocol %s)\n",
				Version, Commit, protocol.LatestProtocolVersion)
			return err
		},
	}
}
