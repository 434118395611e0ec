// Command mcp-bridge runs a resumable MCP Streamable HTTP endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/ajitpratap0/mcp-bridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-bridge:", err)
		os.Exit(cli.ExitCode(err))
	}
}
