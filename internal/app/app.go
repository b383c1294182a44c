package app

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
	"cipherdm/internal/relay"
	"cipherdm/internal/services/group"
)

// replenishTimeout bounds one background prekey replenishment.
const replenishTimeout = time.Minute

// Client is one device of one user against one broker.
type Client struct {
	*Wire

	mu       sync.RWMutex
	status   domain.Status
	degraded bool
	lastErr  error

	bg sync.WaitGroup
}

// New returns a client over w in status uninitialized.
func New(w *Wire) *Client {
	c := &Client{Wire: w, status: domain.StatusUninitialized}
	w.Sessions.OnPrekeyConsumed(c.replenishInBackground)
	return c
}

// Open wires a client for cfg against the HTTP broker at cfg.BrokerURL and
// loads it. The client is returned even when loading fails, so that its
// status can be inspected.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	w, err := NewWire(cfg, relay.NewHTTP(cfg.BrokerURL, cfg.HTTPTimeout))
	if err != nil {
		return nil, err
	}
	c := New(w)
	return c, c.Load(ctx)
}

// Close waits for background work and releases the device.
func (c *Client) Close() error {
	c.bg.Wait()
	return c.Wire.Close()
}

// Self returns the local device address.
func (c *Client) Self() domain.DeviceAddress { return c.Profile.Address() }

// Status returns the current lifecycle status.
func (c *Client) Status() domain.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Degraded reports whether a device mismatch was dismissed.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Err returns the error that put the client in status error.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Client) setStatus(s domain.Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s != c.status {
		jww.DEBUG.Printf("[APP] status %s -> %s", c.status, s)
	}
	c.status, c.lastErr = s, err
}

// transition moves from one of from to to, or fails with ErrNotReady.
func (c *Client) transition(to domain.Status, from ...domain.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range from {
		if c.status == f {
			jww.DEBUG.Printf("[APP] status %s -> %s", c.status, to)
			c.status, c.lastErr = to, nil
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotReady, "cannot move from %s to %s", c.status, to)
}

func (c *Client) ready() error {
	if s := c.Status(); s != domain.StatusReady {
		return errors.Wrapf(domain.ErrNotReady, "status %s", s)
	}
	return nil
}

// Load checks the local account against the broker and sets the status.
func (c *Client) Load(ctx context.Context) error {
	c.setStatus(domain.StatusLoading, nil)
	st, err := c.Identity.CheckDevice(ctx)
	if err != nil {
		c.setStatus(domain.StatusError, err)
		return err
	}
	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
	c.setStatus(st, nil)
	if st == domain.StatusReady {
		if _, err := c.Identity.MaybeReplenish(ctx); err != nil {
			jww.WARN.Printf("[APP] prekey replenishment failed: %v", err)
		}
	}
	return nil
}

// GenerateKeys creates and publishes the device identity.
func (c *Client) GenerateKeys(ctx context.Context) (domain.DeviceIdentity, error) {
	if err := c.transition(domain.StatusGenerating, domain.StatusNeedsSetup); err != nil {
		return domain.DeviceIdentity{}, err
	}
	return c.generate(ctx)
}

func (c *Client) generate(ctx context.Context) (domain.DeviceIdentity, error) {
	d, err := c.Identity.GenerateIdentity(ctx)
	if err != nil {
		c.setStatus(domain.StatusError, err)
		return domain.DeviceIdentity{}, err
	}
	c.trustOwnMasterKey(ctx)
	c.setStatus(domain.StatusReady, nil)
	return d, nil
}

// trustOwnMasterKey records trust on first use in the user's own master
// key.
func (c *Client) trustOwnMasterKey(ctx context.Context) {
	user := c.Self().UserID
	if _, err := c.Trust.IsUserTrusted(ctx, user); err == nil {
		return
	}
	master, err := c.Broker.FetchMasterKey(ctx, user)
	if err == nil {
		err = c.Trust.TrustUser(ctx, user, master, domain.TrustTOFU, domain.VerificationCrossSigning)
	}
	if err != nil {
		jww.WARN.Printf("[APP] could not trust own master key: %v", err)
	}
}

// Regenerate resolves a device mismatch by wiping every local session and
// publishing a fresh identity under the same device id.
func (c *Client) Regenerate(ctx context.Context) (domain.DeviceIdentity, error) {
	if err := c.transition(domain.StatusGenerating, domain.StatusDeviceMismatch); err != nil {
		return domain.DeviceIdentity{}, err
	}
	if err := c.DB.Wipe(); err != nil {
		c.setStatus(domain.StatusError, err)
		return domain.DeviceIdentity{}, err
	}
	jww.WARN.Printf("[APP] wiped local state of %s, regenerating", c.Self())
	return c.generate(ctx)
}

// Dismiss resolves a device mismatch by continuing with the local keys.
// Peers encrypting to the published identity will not reach this device.
func (c *Client) Dismiss() error {
	if err := c.transition(domain.StatusReady, domain.StatusDeviceMismatch); err != nil {
		return err
	}
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	jww.WARN.Printf("[APP] device mismatch dismissed, continuing degraded")
	return nil
}

func (c *Client) replenishInBackground() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), replenishTimeout)
		defer cancel()
		if _, err := c.Identity.MaybeReplenish(ctx); err != nil {
			jww.WARN.Printf("[APP] prekey replenishment failed: %v", err)
		}
	}()
}

// Fingerprint returns the fingerprint of the device identity key.
func (c *Client) Fingerprint() (domain.Fingerprint, error) {
	return c.Identity.Fingerprint()
}

// ReplenishPrekeys publishes count more one-time prekeys.
func (c *Client) ReplenishPrekeys(ctx context.Context, count int) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.Identity.ReplenishPrekeys(ctx, count)
}

// EncryptMessage encrypts plaintext for one peer device.
func (c *Client) EncryptMessage(ctx context.Context, peer domain.DeviceAddress, plaintext []byte) (domain.PairwiseMessage, error) {
	if err := c.ready(); err != nil {
		return domain.PairwiseMessage{}, err
	}
	return c.Sessions.EncryptPairwise(ctx, peer, plaintext)
}

// DecryptMessage decrypts a pairwise message from sender.
func (c *Client) DecryptMessage(ctx context.Context, sender domain.DeviceAddress, msg domain.PairwiseMessage) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.Sessions.DecryptPairwise(ctx, sender, msg)
}

// EncryptGroupMessage encrypts plaintext for every member of conv.
func (c *Client) EncryptGroupMessage(ctx context.Context, conv domain.ConversationID, plaintext []byte) (domain.GroupMessage, error) {
	if err := c.ready(); err != nil {
		return domain.GroupMessage{}, err
	}
	return c.Groups.EncryptGroup(ctx, conv, plaintext)
}

// DecryptGroupMessage decrypts a message of conv.
func (c *Client) DecryptGroupMessage(ctx context.Context, conv domain.ConversationID, msg domain.GroupMessage) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.Groups.DecryptGroup(ctx, conv, msg)
}

// ReceiveKeyShares imports every group session shared with this device.
func (c *Client) ReceiveKeyShares(ctx context.Context) ([]domain.InboundGroupRecord, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.Groups.ReceiveKeyShares(ctx)
}

// SetMembers replaces the member list of conv on the broker and applies
// the change to the outbound session.
func (c *Client) SetMembers(ctx context.Context, conv domain.ConversationID, members []domain.UserID) (group.Distribution, error) {
	if err := c.ready(); err != nil {
		return group.Distribution{}, err
	}
	before, err := c.Broker.ConversationMembers(ctx, conv)
	if err != nil {
		return group.Distribution{}, err
	}
	if err := c.Broker.SetConversationMembers(ctx, conv, members); err != nil {
		return group.Distribution{}, err
	}
	added, removed := diff(before, members)
	return c.MembershipChanged(ctx, conv, added, removed)
}

func diff(before, after []domain.UserID) (added, removed []domain.UserID) {
	was := make(map[domain.UserID]bool, len(before))
	for _, u := range before {
		was[u] = true
	}
	is := make(map[domain.UserID]bool, len(after))
	for _, u := range after {
		is[u] = true
		if !was[u] {
			added = append(added, u)
		}
	}
	for _, u := range before {
		if !is[u] {
			removed = append(removed, u)
		}
	}
	return added, removed
}

// MembershipChanged applies a membership change of conv to the outbound
// session.
func (c *Client) MembershipChanged(ctx context.Context, conv domain.ConversationID, added, removed []domain.UserID) (group.Distribution, error) {
	if err := c.ready(); err != nil {
		return group.Distribution{}, err
	}
	return c.Groups.MembershipChanged(ctx, conv, added, removed)
}

// RotateGroupSession replaces the outbound session of conv.
func (c *Client) RotateGroupSession(ctx context.Context, conv domain.ConversationID) (domain.SessionID, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.Groups.Rotate(ctx, conv)
}

// CreateBackup stores an encrypted backup of this device.
func (c *Client) CreateBackup(ctx context.Context, password []byte) (domain.BackupBlob, error) {
	if err := c.ready(); err != nil {
		return domain.BackupBlob{}, err
	}
	return c.Backups.CreateBackup(ctx, password)
}

// HasBackup reports whether the user has a backup.
func (c *Client) HasBackup(ctx context.Context) (bool, error) {
	return c.Backups.HasBackup(ctx)
}

// RestoreFromBackup replaces the local state with the user's backup and
// reloads. A failed restore leaves state and status as they were.
func (c *Client) RestoreFromBackup(ctx context.Context, password []byte) error {
	switch s := c.Status(); s {
	case domain.StatusReady, domain.StatusNeedsSetup, domain.StatusDeviceMismatch:
	default:
		return errors.Wrapf(domain.ErrNotReady, "cannot restore in status %s", s)
	}
	if _, err := c.Backups.RestoreFromBackup(ctx, password); err != nil {
		return err
	}
	return c.Load(ctx)
}

// ForwardKeyShare re-shares an inbound session of conv with another
// device of the same user.
func (c *Client) ForwardKeyShare(ctx context.Context, conv domain.ConversationID, id domain.SessionID, to domain.DeviceAddress) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.Groups.ForwardKeyShare(ctx, conv, id, to)
}
