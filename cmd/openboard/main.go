package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "openboard",
		Short: "Real-time collaborative whiteboard relay",
		Long: `Openboard relays freehand drawing strokes between the members of named
whiteboard sessions over WebSocket.

Clients join a session, broadcast strokes to one another, and see a live
roster and activity log. Sessions live in memory and are reclaimed after a
grace period once the last member leaves.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
