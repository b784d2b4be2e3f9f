package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "rpcsplit-bench",
	Short:   "Drive the distributed expert-shard split buffer and dispatch engine",
	Long:    `rpcsplit-bench builds a split buffer type against a topology, runs synthetic dispatch iterations against it, and prints a profiler snapshot.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
