package cmd

import (
	"log"

	"github.com/Sparsematrix09/ai-powered-discord-bot/copilot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Discord bot and admin API until interrupted",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := copilot.New(cfg)
		if err != nil {
			log.Fatalf("startup failed: %v", err)
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("bot exited with error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
