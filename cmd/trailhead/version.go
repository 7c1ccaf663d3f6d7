package main

import (
	"fmt"

	"github.com/aretw0/trailhead"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of trailhead",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trailhead version %s\n", trailhead.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
