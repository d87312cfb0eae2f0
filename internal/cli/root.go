// Package cli wires the tgwatch commands: one-shot backfill, the watch
// daemon, configuration checks, and the offline reply-snapshot cleanup.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tgwatch",
	Short:         "tgwatch - watch tracked Telegram users and relay digests",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./config.toml", "path to configuration file")

	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(cleanupRepliesCmd)
}
