package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cipherdm/internal/domain"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <user> <message>",
		Short: "Encrypt and send a message to every device of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			sent, err := c.Send(cmd.Context(), domain.UserID(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			printSent(cmd, sent.Delivered, sent.Skipped)
			return nil
		},
	}
}

func printSent(cmd *cobra.Command, delivered, skipped []domain.DeviceAddress) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sent to %d device(s)\n", len(delivered))
	for _, d := range skipped {
		fmt.Fprintf(out, "skipped %s\n", d)
	}
}

func recvCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			got, err := c.Receive(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range got.Messages {
				ts := m.Timestamp.Local().Format("2006-01-02 15:04:05")
				if m.ConversationID != "" {
					fmt.Fprintf(out, "%s [%s] %s: %s\n", ts, m.ConversationID, m.From, m.Plaintext)
				} else {
					fmt.Fprintf(out, "%s %s: %s\n", ts, m.From, m.Plaintext)
				}
			}
			if got.Pending > 0 {
				fmt.Fprintf(out, "%d group message(s) waiting for keys\n", got.Pending)
			}
			if got.Failed > 0 {
				fmt.Fprintf(out, "%d message(s) could not be decrypted\n", got.Failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of envelopes to fetch")
	return cmd
}
