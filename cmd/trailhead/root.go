package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trailhead",
	Short: "Trailhead submits story generation requests and rebuilds their trails",
	Long: `Trailhead talks to generation backends over a message bus. It submits requests,
tracks their progress events and turns the finished step sequences into branching
trail graphs that can be stored, listed and rendered.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Config file (defaults to ./trailhead.yaml when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().String("transport", "", "Transport driver: memory or redis")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address")
	rootCmd.PersistentFlags().String("store", "", "Trail store driver: memory, redis or loam")
	rootCmd.PersistentFlags().String("dir", "", "Directory of the loam trail store")
}
