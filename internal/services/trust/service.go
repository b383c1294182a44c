package trust

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
)

// Service keeps the local user's trust in other users' master keys.
type Service struct {
	self    domain.UserID
	store   domain.TrustStore
	dir     domain.KeyDirectory
	devices domain.DeviceStore
	now     func() time.Time
}

// New returns a trust service acting for the user self.
func New(self domain.UserID, store domain.TrustStore, dir domain.KeyDirectory, devices domain.DeviceStore) *Service {
	return &Service{self: self, store: store, dir: dir, devices: devices, now: time.Now}
}

// currentMaster returns the master key the broker lists for user.
// A user without one yields ErrTrustKeyStale.
func (s *Service) currentMaster(ctx context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	k, err := s.dir.FetchMasterKey(ctx, user)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Ed25519Public{}, errors.Wrapf(domain.ErrTrustKeyStale, "%s has no master key", user)
	}
	return k, err
}

// TrustUser records trust in user's master key. The key must be the one
// the broker currently lists for the user.
func (s *Service) TrustUser(
	ctx context.Context,
	user domain.UserID,
	master domain.Ed25519Public,
	level domain.TrustLevel,
	method domain.VerificationMethod,
) error {
	if user == "" || master.IsZero() {
		return errors.Wrap(domain.ErrInvalidArgument, "trust needs a user and a master key")
	}
	current, err := s.currentMaster(ctx, user)
	if err != nil {
		return err
	}
	if current != master {
		return errors.Wrapf(domain.ErrTrustKeyStale, "master key of %s changed", user)
	}
	rec := domain.TrustRecord{
		TrusterUserID:    s.self,
		TrustedUserID:    user,
		TrustedMasterKey: master,
		Level:            level,
		Method:           method,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.PutTrust(ctx, rec); err != nil {
		return err
	}
	jww.INFO.Printf("[TRUST] %s trusts %s (%s, %s) master %s", s.self, user, level, method, crypto.Fingerprint(master[:]))
	return nil
}

// IsUserTrusted returns the trust record for user's current master key.
// It fails with ErrTrustKeyStale when only older keys were trusted and
// with ErrNotFound when user was never trusted.
func (s *Service) IsUserTrusted(ctx context.Context, user domain.UserID) (domain.TrustRecord, error) {
	recs, err := s.store.ListTrust(ctx, s.self)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	var mine []domain.TrustRecord
	for _, r := range recs {
		if r.TrustedUserID == user {
			mine = append(mine, r)
		}
	}
	if len(mine) == 0 {
		return domain.TrustRecord{}, errors.Wrapf(domain.ErrNotFound, "%s is not trusted", user)
	}
	current, err := s.currentMaster(ctx, user)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	best := -1
	for i, r := range mine {
		if r.TrustedMasterKey != current {
			continue
		}
		if best < 0 || rank(r.Level) > rank(mine[best].Level) {
			best = i
		}
	}
	if best < 0 {
		return domain.TrustRecord{}, errors.Wrapf(domain.ErrTrustKeyStale, "trust in %s predates its current master key", user)
	}
	return mine[best], nil
}

func rank(l domain.TrustLevel) int {
	if l == domain.TrustVerified {
		return 1
	}
	return 0
}

// IsDeviceTrusted reports whether addr was verified on this device or is
// signed by the current master key of a trusted user.
func (s *Service) IsDeviceTrusted(ctx context.Context, addr domain.DeviceAddress) (bool, error) {
	if d, ok, err := s.devices.LoadDevice(addr); err != nil {
		return false, err
	} else if ok && d.Verified {
		return true, nil
	}

	rec, err := s.IsUserTrusted(ctx, addr.UserID)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrTrustKeyStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	d, err := s.dir.FetchDeviceKeys(ctx, addr)
	if err != nil {
		return false, err
	}
	return crypto.VerifyCrossSigning(rec.TrustedMasterKey, d), nil
}

// RevokeTrust removes every trust record for user. Past verifications of
// individual devices are kept.
func (s *Service) RevokeTrust(ctx context.Context, user domain.UserID) error {
	if err := s.store.DeleteTrust(ctx, s.self, user); err != nil {
		return err
	}
	jww.INFO.Printf("[TRUST] %s revoked trust in %s", s.self, user)
	return nil
}

// ListTrust returns every record held by the local user.
func (s *Service) ListTrust(ctx context.Context) ([]domain.TrustRecord, error) {
	return s.store.ListTrust(ctx, s.self)
}

var _ domain.TrustService = (*Service)(nil)
