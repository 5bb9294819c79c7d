package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/secure-chat/pairing-relay/internal/signaling"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a peer's room using their pairing code",
	Long: `Verify the pairing code with the relay, join the peer's room, and
start the call.

Example:
  paircall join 48213`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := args[0]
		pc := &signaling.PairingClient{BaseURL: flagRelayURL}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		res, err := pc.Verify(ctx, code)
		cancel()
		if err != nil {
			return err
		}
		if !res.OK {
			switch res.Reason {
			case "expired":
				return fmt.Errorf("pairing code %s has expired, ask the peer for a fresh one", code)
			default:
				return fmt.Errorf("pairing code %s not found", code)
			}
		}

		fmt.Printf("code verified, valid until %s\n", res.ExpiresAt.Local().Format(time.RFC1123))
		fmt.Println("joining room, type to chat...")

		return runSession(code, true)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
