package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cipherdm/internal/domain"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Group conversations",
	}
	cmd.AddCommand(groupSendCmd(), groupMembersCmd(), groupRotateCmd(), groupForwardCmd())
	return cmd
}

func groupSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <message>",
		Short: "Encrypt and send a message to every member device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			sent, err := c.SendGroup(cmd.Context(), domain.ConversationID(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			printSent(cmd, sent.Delivered, sent.Skipped)
			return nil
		},
	}
}

func groupMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <conversation> [user...]",
		Short: "Print or replace the member list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			conv := domain.ConversationID(args[0])
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				members, err := c.Broker.ConversationMembers(cmd.Context(), conv)
				if err != nil {
					return err
				}
				for _, m := range members {
					fmt.Fprintln(out, m)
				}
				return nil
			}
			users := make([]domain.UserID, 0, len(args)-1)
			for _, a := range args[1:] {
				users = append(users, domain.UserID(a))
			}
			dist, err := c.SetMembers(cmd.Context(), conv, users)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "members of %s: %s\n", conv, strings.Join(args[1:], ", "))
			if len(dist.Shared) > 0 {
				fmt.Fprintf(out, "session shared with %d new device(s)\n", len(dist.Shared))
			}
			return nil
		},
	}
}

func groupRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <conversation>",
		Short: "Replace the outbound group session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			id, err := c.RotateGroupSession(cmd.Context(), domain.ConversationID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "new session %s\n", id)
			return nil
		},
	}
}

func groupForwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward <conversation> <session> <device>",
		Short: "Share a group session you hold with another of your devices",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			to := domain.DeviceAddress{UserID: c.Self().UserID, DeviceID: domain.DeviceID(args[2])}
			if err := c.ForwardKeyShare(cmd.Context(), domain.ConversationID(args[0]), domain.SessionID(args[1]), to); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarded %s to %s\n", args[1], to)
			return nil
		},
	}
}
