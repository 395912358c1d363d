package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ca-srg/mcpedge/internal/mcpserver"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mcpedge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mcpedge %s\n", mcpserver.Version)
	},
}
