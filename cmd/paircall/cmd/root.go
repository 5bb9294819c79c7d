// Package cmd implements the paircall command line: a native peer for the
// pairing relay that can issue a code, join with one, exchange chat, and run
// an audio call over the resulting room.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagRelayURL string
	flagName     string
	flagSTUN     []string
	flagNoMedia  bool
)

var rootCmd = &cobra.Command{
	Use:   "paircall",
	Short: "Pair with a peer through the relay and talk over WebRTC",
	Long: `paircall is the native peer for the pairing relay. One side runs
"paircall create" to get a 5-digit code, the other runs "paircall join <code>";
both end up in the same room, exchange chat messages, and negotiate a direct
WebRTC audio call.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRelayURL, "relay", "http://localhost:4000", "Relay base URL")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", defaultName(), "Display name announced to the peer")
	rootCmd.PersistentFlags().StringArrayVar(&flagSTUN, "stun", nil, "STUN server URL (repeatable; defaults to the relay's)")
	rootCmd.PersistentFlags().BoolVar(&flagNoMedia, "no-media", false, "Skip microphone capture, receive-only call")
}

func defaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peer"
}
