package cmd

import (
	"fmt"

	"github.com/Sparsematrix09/ai-powered-discord-bot/copilot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build version information",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf(
			"%s (commit %s, built %s)\n",
			copilot.Version,
			copilot.CommitSHA,
			copilot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
