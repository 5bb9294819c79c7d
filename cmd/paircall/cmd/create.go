package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/secure-chat/pairing-relay/internal/signaling"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a pairing code and wait for a peer",
	Long: `Issue a fresh pairing code from the relay, print it for the other
side, and wait in the room. When the peer joins and starts a call this side
answers it automatically.

Example:
  paircall create --relay https://relay.example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := &signaling.PairingClient{BaseURL: flagRelayURL}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		code, expiresAt, err := pc.Create(ctx)
		cancel()
		if err != nil {
			return err
		}

		fmt.Printf("pairing code: %s\n", code)
		fmt.Printf("expires at:   %s\n", expiresAt.Local().Format(time.RFC1123))
		fmt.Println("waiting for a peer, type to chat...")

		return runSession(code, false)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
