package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate device keys and publish them to the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd.Context())
			if err != nil {
				return err
			}
			d, err := c.GenerateKeys(cmd.Context())
			if err != nil {
				return err
			}
			fp, err := c.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s created.\nFingerprint: %s\n", d.Address(), fp)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			fp, err := c.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the device status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd.Context())
			if c == nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device: %s\nStatus: %s\n", c.Self(), c.Status())
			if err != nil {
				fmt.Fprintf(out, "Error:  %v\n", err)
				return nil
			}
			n, err := c.Identity.AvailablePrekeys(cmd.Context())
			if err == nil {
				fmt.Fprintf(out, "One-time prekeys on broker: %d\n", n)
			}
			return nil
		},
	}
}

func replenishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replenish [count]",
		Short: "Publish more one-time prekeys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 0
			if len(args) == 1 {
				if _, err := fmt.Sscan(args[0], &count); err != nil || count <= 0 {
					return fmt.Errorf("invalid count %q", args[0])
				}
			}
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			if count == 0 {
				ok, err := c.Identity.MaybeReplenish(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Prekey pool is above threshold.")
					return nil
				}
			} else if err := c.ReplenishPrekeys(cmd.Context(), count); err != nil {
				return err
			}
			n, err := c.Identity.AvailablePrekeys(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "One-time prekeys on broker: %d\n", n)
			return nil
		},
	}
}
