package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the current version of soliddb (overridden by ldflags at
// build time).
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("soliddb version %s\n", Version)
	},
}
