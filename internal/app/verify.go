package app

import (
	"context"

	"cipherdm/internal/domain"
)

// StartVerification opens a SAS verification with target.
func (c *Client) StartVerification(ctx context.Context, target domain.DeviceAddress) (domain.Verification, error) {
	if err := c.ready(); err != nil {
		return domain.Verification{}, err
	}
	return c.Verify.Start(ctx, target)
}

// RespondVerification accepts a verification started by a peer.
func (c *Client) RespondVerification(ctx context.Context, tx domain.TransactionID) (domain.Verification, error) {
	if err := c.ready(); err != nil {
		return domain.Verification{}, err
	}
	return c.Verify.Respond(ctx, tx)
}

// ShowSAS returns the short authentication string of tx once both keys
// are known.
func (c *Client) ShowSAS(ctx context.Context, tx domain.TransactionID) (domain.SAS, error) {
	if err := c.ready(); err != nil {
		return domain.SAS{}, err
	}
	return c.Verify.ShowSAS(ctx, tx)
}

// ConfirmVerification records whether the user saw matching strings.
func (c *Client) ConfirmVerification(ctx context.Context, tx domain.TransactionID, match bool) (domain.Verification, error) {
	if err := c.ready(); err != nil {
		return domain.Verification{}, err
	}
	return c.Verify.Confirm(ctx, tx, match)
}

// CancelVerification aborts tx.
func (c *Client) CancelVerification(ctx context.Context, tx domain.TransactionID) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.Verify.Cancel(ctx, tx)
}

// VerificationStatus returns the current state of tx.
func (c *Client) VerificationStatus(ctx context.Context, tx domain.TransactionID) (domain.Verification, error) {
	if err := c.ready(); err != nil {
		return domain.Verification{}, err
	}
	return c.Verify.Status(ctx, tx)
}

// TrustUser trusts the current master key of user.
func (c *Client) TrustUser(ctx context.Context, user domain.UserID, level domain.TrustLevel) error {
	if err := c.ready(); err != nil {
		return err
	}
	master, err := c.Broker.FetchMasterKey(ctx, user)
	if err != nil {
		return err
	}
	return c.Trust.TrustUser(ctx, user, master, level, domain.VerificationManual)
}

// IsUserTrusted returns the trust record for user's current master key.
func (c *Client) IsUserTrusted(ctx context.Context, user domain.UserID) (domain.TrustRecord, error) {
	if err := c.ready(); err != nil {
		return domain.TrustRecord{}, err
	}
	return c.Trust.IsUserTrusted(ctx, user)
}

// IsDeviceTrusted reports whether addr is verified or cross-signed by a
// trusted user.
func (c *Client) IsDeviceTrusted(ctx context.Context, addr domain.DeviceAddress) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	return c.Trust.IsDeviceTrusted(ctx, addr)
}

// RevokeTrust removes every trust record for user.
func (c *Client) RevokeTrust(ctx context.Context, user domain.UserID) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.Trust.RevokeTrust(ctx, user)
}

// ListTrust returns every user this user trusts.
func (c *Client) ListTrust(ctx context.Context) ([]domain.TrustRecord, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.Trust.ListTrust(ctx)
}
