package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cipherdm/internal/domain"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted users",
	}
	cmd.AddCommand(trustListCmd(), trustAddCmd(), trustRevokeCmd())
	return cmd
}

func trustListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted users",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := c.ListTrust(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tLEVEL\tMETHOD\tSINCE")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.TrustedUserID, r.Level, r.Method, r.CreatedAt.Local().Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}

func trustAddCmd() *cobra.Command {
	var verified bool
	cmd := &cobra.Command{
		Use:   "add <user>",
		Short: "Trust the current master key of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			level := domain.TrustTOFU
			if verified {
				level = domain.TrustVerified
			}
			if err := c.TrustUser(cmd.Context(), domain.UserID(args[0]), level); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusting %s (%s)\n", args[0], level)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verified, "verified", false, "record the key as verified out of band")
	return cmd
}

func trustRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user>",
		Short: "Stop trusting a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			return c.RevokeTrust(cmd.Context(), domain.UserID(args[0]))
		},
	}
}
