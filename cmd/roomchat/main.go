// Command roomchat runs the room chat relay.
package main

import (
	"context"
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
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roomchat",
		Short: "Real-time room chat relay over WebSocket",
		Long: `roomchat relays short text messages between WebSocket clients
grouped into named rooms.

Clients start in the default room and use /list, /join <room> and
/name <name> to move around; every other line is broadcast to the
rest of the room.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)
	return rootCmd
}
