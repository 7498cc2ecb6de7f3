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

// Protocols served by `arena serve` and exercised by `arena rtt`.
const (
	protoEcho      uint16 = 0x0001
	protoBroadcast uint16 = 0x0002
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arena",
		Short: "Session protocol engine for real-time multiplayer games",
		Long: `arena runs game sessions over TCP and WebSocket.

Sessions are encrypted after a Diffie-Hellman handshake, frames are
delivered reliably with acks and bounded resends, and peers survive
transient disconnects through reconnection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		rttCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}
