package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"cipherdm/internal/domain"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypted backups of this device's keys and sessions",
	}
	cmd.AddCommand(backupCreateCmd(), backupRestoreCmd(), backupExistsCmd())
	return cmd
}

// password returns the --password flag or reads one line from in.
func password(cmd *cobra.Command, flag string) ([]byte, error) {
	if flag != "" {
		return []byte(flag), nil
	}
	fmt.Fprint(cmd.OutOrStdout(), "Backup password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "empty backup password")
	}
	return []byte(line), nil
}

func backupCreateCmd() *cobra.Command {
	var pw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Encrypt this device's state and store it on the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			p, err := password(cmd, pw)
			if err != nil {
				return err
			}
			b, err := c.CreateBackup(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup stored (%d bytes, %d device(s) known)\n", len(b.EncryptedPayload), b.DeviceCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&pw, "password", "", "backup password (prompted when empty)")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	var pw string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace this device's state with the stored backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd.Context())
			if err != nil {
				return err
			}
			p, err := password(cmd, pw)
			if err != nil {
				return err
			}
			if err := c.RestoreFromBackup(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored, status %s\n", c.Status())
			return nil
		},
	}
	cmd.Flags().StringVar(&pw, "password", "", "backup password (prompted when empty)")
	return cmd
}

func backupExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists",
		Short: "Report whether a backup is stored for this user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := c.HasBackup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
}
