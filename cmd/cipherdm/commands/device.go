package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Resolve a device mismatch",
		Long: `A device mismatch means the broker publishes keys for this device id
that differ from the local ones. Either regenerate, which discards every
local session, or pass --degraded to other commands to keep using the
local keys.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "regenerate",
		Short: "Discard local state and publish fresh keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := c.Regenerate(cmd.Context()); err != nil {
				return err
			}
			fp, err := c.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s regenerated.\nFingerprint: %s\n", c.Self(), fp)
			return nil
		},
	})
	return cmd
}
