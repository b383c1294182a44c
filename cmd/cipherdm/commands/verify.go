package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"cipherdm/internal/app"
	"cipherdm/internal/domain"
)

const pollInterval = time.Second

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify another device by comparing emoji",
		Long: `Both devices must stay running until the verification finishes: the
ephemeral keys of a verification live only in this process.`,
	}
	cmd.AddCommand(verifyStartCmd(), verifyAcceptCmd(), verifyCancelCmd())
	return cmd
}

func verifyStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <user> <device>",
		Short: "Start verifying a device and wait for it to accept",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := ready(ctx)
			if err != nil {
				return err
			}
			target := domain.DeviceAddress{UserID: domain.UserID(args[0]), DeviceID: domain.DeviceID(args[1])}
			tx, err := c.StartVerification(ctx, target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Transaction %s\nOn %s run:\n  cipherdm verify accept %s\n", tx.TransactionID, target, tx.TransactionID)

			if _, err := waitFor(ctx, c, tx.TransactionID, domain.VerificationAccepted); err != nil {
				return err
			}
			return compare(cmd, c, tx.TransactionID)
		},
	}
}

func verifyAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <transaction>",
		Short: "Accept a verification started by another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := ready(ctx)
			if err != nil {
				return err
			}
			id := domain.TransactionID(args[0])
			tx, err := c.RespondVerification(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verifying %s\n", tx.Initiator.Address())
			return compare(cmd, c, id)
		},
	}
}

func verifyCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <transaction>",
		Short: "Cancel a verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			return c.CancelVerification(cmd.Context(), domain.TransactionID(args[0]))
		},
	}
}

// compare shows the SAS once both keys are known, asks the user whether
// it matches the other screen and waits for the outcome.
func compare(cmd *cobra.Command, c *app.Client, tx domain.TransactionID) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var sas domain.SAS
	err := poll(ctx, func() (bool, error) {
		var err error
		sas, err = c.ShowSAS(ctx, tx)
		if errors.Is(err, domain.ErrVerificationState) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n  %s\n\n", sas)

	match, err := ask(cmd.InOrStdin(), out, "Does the other device show the same? [y/N] ")
	if err != nil {
		return err
	}
	v, err := c.ConfirmVerification(ctx, tx, match)
	if err != nil {
		return err
	}
	if !v.Status.Terminal() {
		fmt.Fprintln(out, "Waiting for the other device...")
		if v, err = waitFor(ctx, c, tx, domain.VerificationCompleted); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Verification %s\n", v.Status)
	if v.Status != domain.VerificationCompleted {
		return errors.Wrapf(domain.ErrVerificationMismatched, "verification %s", v.Status)
	}
	return nil
}

// waitFor polls tx until it reaches want or a terminal status.
func waitFor(ctx context.Context, c *app.Client, tx domain.TransactionID, want domain.VerificationStatus) (domain.Verification, error) {
	var v domain.Verification
	err := poll(ctx, func() (bool, error) {
		var err error
		v, err = c.VerificationStatus(ctx, tx)
		if err != nil {
			return false, err
		}
		return v.Status == want || v.Status.Terminal(), nil
	})
	if err == nil && v.Status != want && v.Status != domain.VerificationCompleted {
		err = errors.Errorf("verification %s", v.Status)
	}
	return v, err
}

func poll(ctx context.Context, done func() (bool, error)) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		ok, err := done()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func ask(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
