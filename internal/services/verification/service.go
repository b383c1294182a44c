package verification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/protocol/sas"
	"cipherdm/internal/util/memzero"
)

// DefaultTTL is how long a transaction stays open.
const DefaultTTL = 10 * time.Minute

// casAttempts bounds how often a confirmation is retried after losing a
// compare-and-set race.
const casAttempts = 5

// Identity is the local device as the coordinator sees it.
type Identity interface {
	Self() domain.DeviceAddress
	DeviceIdentity() (domain.DeviceIdentity, error)
}

// ephemeral is this device's side of one transaction. It never leaves
// memory.
type ephemeral struct {
	priv   domain.X25519Private
	pub    domain.X25519Public
	shared []byte
}

func (e *ephemeral) wipe() {
	memzero.Zero(e.priv[:], e.shared)
}

// Coordinator runs SAS transactions whose state lives on the broker.
type Coordinator struct {
	id      Identity
	store   domain.VerificationStore
	dir     domain.KeyDirectory
	devices domain.DeviceStore
	trust   domain.TrustService
	ttl     time.Duration
	now     func() time.Time
	keys    *xsync.Map[domain.TransactionID, *ephemeral]
}

// New returns a coordinator. A zero ttl selects DefaultTTL.
func New(
	id Identity,
	store domain.VerificationStore,
	dir domain.KeyDirectory,
	devices domain.DeviceStore,
	trust domain.TrustService,
	ttl time.Duration,
) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		id:      id,
		store:   store,
		dir:     dir,
		devices: devices,
		trust:   trust,
		ttl:     ttl,
		now:     time.Now,
		keys:    xsync.NewMap[domain.TransactionID, *ephemeral](),
	}
}

func newEphemeral() (*ephemeral, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &ephemeral{priv: priv, pub: pub}, nil
}

// Start opens a transaction with target. Only a commitment to the
// initiator's ephemeral key is published at this point.
func (c *Coordinator) Start(ctx context.Context, target domain.DeviceAddress) (domain.Verification, error) {
	self := c.id.Self()
	if target == self || target.UserID == "" || target.DeviceID == "" {
		return domain.Verification{}, errors.Wrapf(domain.ErrInvalidArgument, "cannot verify %s", target)
	}
	if _, err := c.dir.FetchDeviceKeys(ctx, target); err != nil {
		return domain.Verification{}, err
	}
	eph, err := newEphemeral()
	if err != nil {
		return domain.Verification{}, err
	}
	now := c.now().UTC()
	tx := domain.TransactionID(uuid.NewString())
	v := domain.Verification{
		TransactionID: tx,
		Initiator: domain.VerificationParty{
			UserID:     self.UserID,
			DeviceID:   self.DeviceID,
			Commitment: sas.Commitment(eph.pub, tx),
		},
		Target:    domain.VerificationParty{UserID: target.UserID, DeviceID: target.DeviceID},
		Status:    domain.VerificationStarted,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.CreateVerification(ctx, v); err != nil {
		eph.wipe()
		return domain.Verification{}, err
	}
	c.keys.Store(tx, eph)
	jww.INFO.Printf("[SAS] started %s with %s", tx, target)
	return v, nil
}

// Respond accepts a transaction addressed to this device and publishes
// the target's ephemeral key.
func (c *Coordinator) Respond(ctx context.Context, tx domain.TransactionID) (domain.Verification, error) {
	v, err := c.load(ctx, tx)
	if err != nil {
		return domain.Verification{}, err
	}
	if v.Target.Address() != c.id.Self() {
		return domain.Verification{}, errors.Wrapf(domain.ErrVerificationState, "transaction %s is not addressed to this device", tx)
	}
	next, err := sas.Next(v.Status, sas.EventAccept)
	if err != nil {
		return domain.Verification{}, err
	}
	eph, err := newEphemeral()
	if err != nil {
		return domain.Verification{}, err
	}
	prev := v.Status
	v.Target.PublicKey = eph.pub
	v.Status = next
	v.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateVerification(ctx, v, prev); err != nil {
		eph.wipe()
		return domain.Verification{}, err
	}
	c.keys.Store(tx, eph)
	jww.INFO.Printf("[SAS] accepted %s from %s", tx, v.Initiator.Address())
	return v, nil
}

// ShowSAS returns the short authentication string of tx. The initiator
// reveals its ephemeral key on the first call; the target checks the key
// against the initiator's commitment.
func (c *Coordinator) ShowSAS(ctx context.Context, tx domain.TransactionID) (domain.SAS, error) {
	v, eph, err := c.agree(ctx, tx)
	if err != nil {
		return domain.SAS{}, err
	}
	return sas.Derive(eph.shared, v)
}

// agree loads tx and makes sure this device holds the shared secret.
func (c *Coordinator) agree(ctx context.Context, tx domain.TransactionID) (domain.Verification, *ephemeral, error) {
	v, err := c.load(ctx, tx)
	if err != nil {
		return domain.Verification{}, nil, err
	}
	if v.Status != domain.VerificationAccepted && v.Status != domain.VerificationConfirmed {
		return domain.Verification{}, nil, errors.Wrapf(domain.ErrVerificationState, "no SAS in %s", v.Status)
	}
	eph, ok := c.keys.Load(tx)
	if !ok {
		return domain.Verification{}, nil, errors.Wrapf(domain.ErrVerificationState, "no ephemeral key for %s on this device", tx)
	}

	self := c.id.Self()
	var peerKey domain.X25519Public
	switch self {
	case v.Initiator.Address():
		if v.Initiator.PublicKey.IsZero() {
			prev := v.Status
			v.Initiator.PublicKey = eph.pub
			v.UpdatedAt = c.now().UTC()
			if err := c.store.UpdateVerification(ctx, v, prev); err != nil {
				return domain.Verification{}, nil, err
			}
		}
		peerKey = v.Target.PublicKey
	case v.Target.Address():
		if v.Initiator.PublicKey.IsZero() {
			return domain.Verification{}, nil, errors.Wrapf(domain.ErrVerificationState, "initiator of %s has not revealed its key", tx)
		}
		if !sas.VerifyCommitment(v.Initiator.Commitment, v.Initiator.PublicKey, tx) {
			jww.WARN.Printf("[SAS] commitment of %s does not match the revealed key", tx)
			return domain.Verification{}, nil, c.mismatch(ctx, v)
		}
		peerKey = v.Initiator.PublicKey
	default:
		return domain.Verification{}, nil, errors.Wrapf(domain.ErrVerificationState, "this device is not part of %s", tx)
	}

	if eph.shared == nil {
		shared, err := crypto.DH(eph.priv, peerKey)
		if err != nil {
			return domain.Verification{}, nil, err
		}
		eph.shared = shared[:]
	}
	return v, eph, nil
}

// Confirm records whether the local user saw the same SAS as the peer.
//
// A mismatch ends the transaction. A match publishes this device's MAC of
// its signing key. When both sides confirmed and the peer MAC verifies the
// transaction completes and the peer device is marked verified.
func (c *Coordinator) Confirm(ctx context.Context, tx domain.TransactionID, match bool) (domain.Verification, error) {
	if !match {
		v, err := c.load(ctx, tx)
		if err != nil {
			return domain.Verification{}, err
		}
		if _, err := sas.Next(v.Status, sas.EventMismatch); err != nil {
			return domain.Verification{}, err
		}
		if err := c.mismatch(ctx, v); !errors.Is(err, domain.ErrVerificationMismatched) {
			return domain.Verification{}, err
		}
		v.Status = domain.VerificationMismatched
		return v, nil
	}

	me, err := c.id.DeviceIdentity()
	if err != nil {
		return domain.Verification{}, err
	}
	for attempt := 0; ; attempt++ {
		v, eph, err := c.agree(ctx, tx)
		if err != nil {
			return domain.Verification{}, err
		}
		v, err = c.confirmOnce(ctx, v, eph, me)
		if errors.Is(err, domain.ErrConflict) && attempt+1 < casAttempts {
			jww.DEBUG.Printf("[SAS] lost update race on %s, retrying", tx)
			continue
		}
		return v, err
	}
}

func (c *Coordinator) confirmOnce(
	ctx context.Context,
	v domain.Verification,
	eph *ephemeral,
	me domain.DeviceIdentity,
) (domain.Verification, error) {
	mine, theirs := &v.Initiator, &v.Target
	if me.Address() == v.Target.Address() {
		mine, theirs = theirs, mine
	}
	if mine.Confirmed {
		return v, nil
	}
	next, err := sas.Next(v.Status, sas.EventConfirm)
	if err != nil {
		return domain.Verification{}, err
	}
	mac, err := sas.MAC(eph.shared, v, me.Address(), me.SigningKey)
	if err != nil {
		return domain.Verification{}, err
	}

	var peer domain.DeviceIdentity
	if next == domain.VerificationCompleted {
		if peer, err = c.checkPeerMAC(ctx, v, eph, *theirs); err != nil {
			if errors.Is(err, domain.ErrVerificationMismatched) {
				err = c.mismatch(ctx, v)
				v.Status = domain.VerificationMismatched
				return v, err
			}
			return domain.Verification{}, err
		}
	}

	prev := v.Status
	mine.MAC = mac
	mine.Confirmed = true
	v.Status = next
	v.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateVerification(ctx, v, prev); err != nil {
		return domain.Verification{}, err
	}
	jww.INFO.Printf("[SAS] %s confirmed %s, now %s", me.Address(), v.TransactionID, v.Status)

	if v.Status == domain.VerificationCompleted {
		if err := c.complete(ctx, v, peer, true); err != nil {
			return v, err
		}
	}
	return v, nil
}

// checkPeerMAC verifies the MAC the peer published over its signing key
// as the broker lists it.
func (c *Coordinator) checkPeerMAC(
	ctx context.Context,
	v domain.Verification,
	eph *ephemeral,
	peer domain.VerificationParty,
) (domain.DeviceIdentity, error) {
	d, err := c.dir.FetchDeviceKeys(ctx, peer.Address())
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	if !peer.Confirmed || !sas.VerifyMAC(eph.shared, v, peer.Address(), d.SigningKey, peer.MAC) {
		jww.WARN.Printf("[SAS] MAC of %s in %s does not verify", peer.Address(), v.TransactionID)
		return domain.DeviceIdentity{}, errors.Wrapf(domain.ErrVerificationMismatched, "MAC of %s", peer.Address())
	}
	return d, nil
}

// complete marks the peer verified locally and, when publish is set, both
// devices on the broker. The peer's master key is trusted when it signed
// the peer device.
func (c *Coordinator) complete(ctx context.Context, v domain.Verification, peer domain.DeviceIdentity, publish bool) error {
	at := c.now().UTC()
	if publish {
		for _, a := range []domain.DeviceAddress{v.Initiator.Address(), v.Target.Address()} {
			if err := c.dir.MarkDeviceVerified(ctx, a, domain.VerificationSAS, at); err != nil {
				return errors.Wrapf(err, "mark %s verified", a)
			}
		}
	}
	peer.Verified = true
	peer.VerificationMethod = domain.VerificationSAS
	peer.VerifiedAt = &at
	if err := c.devices.SaveDevice(peer); err != nil {
		return err
	}

	if eph, ok := c.keys.LoadAndDelete(v.TransactionID); ok {
		eph.wipe()
	}

	master, err := c.dir.FetchMasterKey(ctx, peer.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !crypto.VerifyCrossSigning(master, peer) {
		jww.INFO.Printf("[SAS] %s is not cross-signed; user %s stays untrusted", peer.Address(), peer.UserID)
		return nil
	}
	return c.trust.TrustUser(ctx, peer.UserID, master, domain.TrustVerified, domain.VerificationSAS)
}

// Status returns the current state of tx. A transaction past its deadline
// is recorded as expired. When the peer completed the transaction this
// device checks the peer MAC and records the verification locally.
func (c *Coordinator) Status(ctx context.Context, tx domain.TransactionID) (domain.Verification, error) {
	v, err := c.store.GetVerification(ctx, tx)
	if err != nil {
		return domain.Verification{}, err
	}
	if c.expired(v) {
		if err := c.expire(ctx, v); err != nil && !errors.Is(err, domain.ErrVerificationExpired) {
			return domain.Verification{}, err
		}
		v.Status = domain.VerificationExpired
		return v, nil
	}
	if v.Status != domain.VerificationCompleted {
		return v, nil
	}
	eph, ok := c.keys.Load(tx)
	if !ok || eph.shared == nil {
		return v, nil
	}
	peer := v.Initiator
	if peer.Address() == c.id.Self() {
		peer = v.Target
	}
	d, err := c.checkPeerMAC(ctx, v, eph, peer)
	if errors.Is(err, domain.ErrVerificationMismatched) {
		err = c.mismatch(ctx, v)
		v.Status = domain.VerificationMismatched
		return v, err
	}
	if err != nil {
		return v, err
	}
	return v, c.complete(ctx, v, d, false)
}

// Cancel ends tx.
func (c *Coordinator) Cancel(ctx context.Context, tx domain.TransactionID) error {
	v, err := c.load(ctx, tx)
	if err != nil {
		return err
	}
	next, err := sas.Next(v.Status, sas.EventCancel)
	if err != nil {
		return err
	}
	prev := v.Status
	v.Status = next
	v.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateVerification(ctx, v, prev); err != nil {
		return err
	}
	c.forget(tx)
	jww.INFO.Printf("[SAS] cancelled %s", tx)
	return nil
}

// load fetches tx and rejects it when it is past its deadline.
func (c *Coordinator) load(ctx context.Context, tx domain.TransactionID) (domain.Verification, error) {
	v, err := c.store.GetVerification(ctx, tx)
	if err != nil {
		return domain.Verification{}, err
	}
	if v.Status == domain.VerificationExpired {
		c.forget(tx)
		return domain.Verification{}, errors.Wrapf(domain.ErrVerificationExpired, "transaction %s", tx)
	}
	if c.expired(v) {
		return domain.Verification{}, c.expire(ctx, v)
	}
	return v, nil
}

func (c *Coordinator) expired(v domain.Verification) bool {
	return !v.Status.Terminal() && !c.now().Before(v.ExpiresAt)
}

// expire records v as expired and returns ErrVerificationExpired.
func (c *Coordinator) expire(ctx context.Context, v domain.Verification) error {
	c.forget(v.TransactionID)
	prev := v.Status
	v.Status = domain.VerificationExpired
	v.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateVerification(ctx, v, prev); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	jww.INFO.Printf("[SAS] %s expired", v.TransactionID)
	return errors.Wrapf(domain.ErrVerificationExpired, "transaction %s", v.TransactionID)
}

// mismatch records v as mismatched and returns ErrVerificationMismatched.
// A concurrent update of the row is reloaded and overwritten, so a
// reported mismatch always ends the transaction as mismatched.
func (c *Coordinator) mismatch(ctx context.Context, v domain.Verification) error {
	c.forget(v.TransactionID)
	for attempt := 0; v.Status != domain.VerificationMismatched; attempt++ {
		prev := v.Status
		v.Status = domain.VerificationMismatched
		v.UpdatedAt = c.now().UTC()
		err := c.store.UpdateVerification(ctx, v, prev)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt+1 >= casAttempts {
			return err
		}
		jww.DEBUG.Printf("[SAS] lost update race on %s while reporting mismatch, retrying", v.TransactionID)
		if v, err = c.store.GetVerification(ctx, v.TransactionID); err != nil {
			return err
		}
	}
	jww.WARN.Printf("[SAS] %s mismatched", v.TransactionID)
	return errors.Wrapf(domain.ErrVerificationMismatched, "transaction %s", v.TransactionID)
}

func (c *Coordinator) forget(tx domain.TransactionID) {
	if eph, ok := c.keys.LoadAndDelete(tx); ok {
		eph.wipe()
	}
}
