package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-center",
	Short: "MCP server management and multiplexing daemon",
	Long: `mcp-center runs, multiplexes, and permission-scopes a set of MCP
backend servers on behalf of project-scoped bridge clients.

Run "mcp-center serve" to start the daemon.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
