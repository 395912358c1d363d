package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcpedge",
	Short: "mcpedge - MCP edge server for Streamable HTTP and SSE clients",
	Long: `mcpedge serves Model Context Protocol sessions over the Streamable HTTP
transport and the legacy HTTP+SSE transport. Sessions can be shared between
several nodes through Redis, in which case a request reaching the wrong node is
relayed to the node that owns the session.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
