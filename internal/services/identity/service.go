package identity

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/singleflight"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/engine"
)

const (
	// DefaultPoolSize is how many one-time prekeys a fresh device publishes.
	DefaultPoolSize = 50
	// DefaultThreshold triggers replenishment when fewer keys remain.
	DefaultThreshold = 10
	// DefaultPublishTimeout bounds the retries of a single publish.
	DefaultPublishTimeout = time.Minute
)

// Config tunes the prekey pool.
type Config struct {
	PoolSize       int
	Threshold      int
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Threshold > c.PoolSize {
		c.Threshold = c.PoolSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	return c
}

// Service owns the local account: identity keys, signed and one-time
// prekeys, and the master cross-signing key when this device holds it.
//
// It is also the single writer of the account pickle. Every change goes
// through UpdateAccount, which serialises writers and persists the result
// before returning.
type Service struct {
	self     domain.DeviceAddress
	eng      *engine.Engine
	accounts domain.AccountStore
	dir      domain.KeyDirectory
	cfg      Config

	mu sync.Mutex
	sf singleflight.Group
}

// New returns an identity service for the device self.
func New(
	self domain.DeviceAddress,
	eng *engine.Engine,
	accounts domain.AccountStore,
	dir domain.KeyDirectory,
	cfg Config,
) *Service {
	return &Service{self: self, eng: eng, accounts: accounts, dir: dir, cfg: cfg.withDefaults()}
}

// Self returns the address of the local device.
func (s *Service) Self() domain.DeviceAddress { return s.self }

// LoadAccount returns the current account pickle.
func (s *Service) LoadAccount() ([]byte, error) {
	p, ok, err := s.accounts.LoadAccount()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNoAccount
	}
	return p, nil
}

// UpdateAccount applies fn to the account pickle and stores the result.
// Nothing is stored when fn fails.
func (s *Service) UpdateAccount(fn func(pickle []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.LoadAccount()
	if err != nil {
		return err
	}
	next, err := fn(p)
	if err != nil {
		return err
	}
	return s.accounts.SaveAccount(next)
}

// HasAccount reports whether a local account exists.
func (s *Service) HasAccount() (bool, error) {
	_, ok, err := s.accounts.LoadAccount()
	return ok, err
}

// Info returns the public view of the local account.
func (s *Service) Info() (engine.AccountInfo, error) {
	p, err := s.LoadAccount()
	if err != nil {
		return engine.AccountInfo{}, err
	}
	return s.eng.Account(p)
}

// DeviceIdentity returns what this device publishes.
func (s *Service) DeviceIdentity() (domain.DeviceIdentity, error) {
	info, err := s.Info()
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	return info.DeviceIdentity(s.self), nil
}

// Fingerprint returns the fingerprint of the local identity key.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	d, err := s.DeviceIdentity()
	if err != nil {
		return "", err
	}
	return crypto.DeviceFingerprint(d), nil
}

// GenerateIdentity creates the device account and publishes it.
//
// Steps:
//  1. Generate identity, signing and signed prekey material plus the
//     one-time prekey pool, and store the account locally.
//  2. If the broker knows no master key for this user, create one, sign
//     this device with it and publish it.
//  3. Publish the device keys and the pool.
//
// When publishing fails the account is kept and the error is returned; a
// later Publish picks up every key still marked unpublished.
func (s *Service) GenerateIdentity(ctx context.Context) (domain.DeviceIdentity, error) {
	s.mu.Lock()
	_, exists, err := s.accounts.LoadAccount()
	if err != nil {
		s.mu.Unlock()
		return domain.DeviceIdentity{}, err
	}
	if exists {
		s.mu.Unlock()
		return domain.DeviceIdentity{}, domain.ErrAccountExists
	}
	p, err := s.eng.CreateAccount()
	if err == nil {
		p, err = s.eng.GenerateOneTimeKeys(p, s.cfg.PoolSize)
	}
	if err == nil {
		err = s.accounts.SaveAccount(p)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.DeviceIdentity{}, errors.Wrap(err, "create account")
	}
	jww.INFO.Printf("[PREKEY] created account for %s with %d one-time prekeys", s.self, s.cfg.PoolSize)

	if _, err := s.ensureMasterKey(ctx); err != nil {
		return domain.DeviceIdentity{}, err
	}
	if err := s.Publish(ctx); err != nil {
		return domain.DeviceIdentity{}, err
	}
	return s.DeviceIdentity()
}

// ensureMasterKey creates the user's master key on this device unless the
// broker already has one. It reports whether a key was created.
func (s *Service) ensureMasterKey(ctx context.Context) (bool, error) {
	_, err := s.dir.FetchMasterKey(ctx, s.self.UserID)
	switch {
	case err == nil:
		jww.INFO.Printf("[PREKEY] %s already has a master key; device stays unsigned", s.self.UserID)
		return false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, errors.Wrap(err, "fetch master key")
	}

	var master domain.Ed25519Public
	err = s.UpdateAccount(func(p []byte) ([]byte, error) {
		next, pub, err := s.eng.CreateMasterKey(p, s.self)
		master = pub
		return next, err
	})
	if err != nil {
		return false, errors.Wrap(err, "create master key")
	}
	if err := s.retry(ctx, func() error { return s.dir.PublishMasterKey(ctx, s.self.UserID, master) }); err != nil {
		return false, errors.Wrap(err, "publish master key")
	}
	jww.INFO.Printf("[PREKEY] published master key %s for %s", crypto.Fingerprint(master[:]), s.self.UserID)
	return true, nil
}

// MasterKey returns the master key held by this device, if any.
func (s *Service) MasterKey() (domain.Ed25519Public, bool, error) {
	info, err := s.Info()
	if err != nil {
		return domain.Ed25519Public{}, false, err
	}
	return info.MasterKey, info.HasMasterKey(), nil
}

// Publish uploads the device keys and every unpublished one-time prekey,
// retrying transient failures with exponential backoff. Keys are marked
// published only after the broker accepted them.
func (s *Service) Publish(ctx context.Context) error {
	info, err := s.Info()
	if err != nil {
		return err
	}
	d := info.DeviceIdentity(s.self)
	if err := s.retry(ctx, func() error { return s.dir.PublishDeviceKeys(ctx, d) }); err != nil {
		return errors.Wrap(err, "publish device keys")
	}
	if len(info.Unpublished) == 0 {
		return nil
	}
	if err := s.retry(ctx, func() error { return s.dir.PublishOneTimePrekeys(ctx, s.self, info.Unpublished) }); err != nil {
		jww.WARN.Printf("[PREKEY] %d one-time prekeys left unpublished: %v", len(info.Unpublished), err)
		return errors.Wrap(err, "publish one-time prekeys")
	}
	ids := make([]uint32, len(info.Unpublished))
	for i, k := range info.Unpublished {
		ids[i] = k.KeyID
	}
	if err := s.UpdateAccount(func(p []byte) ([]byte, error) { return s.eng.MarkKeysPublished(p, ids) }); err != nil {
		return err
	}
	jww.INFO.Printf("[PREKEY] published %d one-time prekeys", len(ids))
	return nil
}

func (s *Service) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.cfg.PublishTimeout
	return backoff.Retry(func() error {
		err := op()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			jww.DEBUG.Printf("[PREKEY] retrying: %v", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	for _, e := range []error{
		domain.ErrInvalidArgument,
		domain.ErrDeviceNotFound,
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrEngineNotInitialized,
		domain.ErrCorruptPickle,
		domain.ErrNoAccount,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	var pe interface{ Permanent() bool }
	return errors.As(err, &pe) && pe.Permanent()
}

// ReplenishPrekeys generates count new one-time prekeys and publishes every
// key still unpublished.
func (s *Service) ReplenishPrekeys(ctx context.Context, count int) error {
	if count <= 0 {
		return errors.Wrapf(domain.ErrInvalidArgument, "replenish count %d", count)
	}
	err := s.UpdateAccount(func(p []byte) ([]byte, error) { return s.eng.GenerateOneTimeKeys(p, count) })
	if err != nil {
		return errors.Wrap(err, "generate one-time prekeys")
	}
	jww.INFO.Printf("[PREKEY] generated %d one-time prekeys", count)
	return s.Publish(ctx)
}

// AvailablePrekeys returns the number of unclaimed one-time prekeys as the
// broker reports it, or the local count when the broker is unreachable.
func (s *Service) AvailablePrekeys(ctx context.Context) (int, error) {
	n, err := s.dir.CountOneTimePrekeys(ctx, s.self)
	if err == nil {
		return n, nil
	}
	info, lerr := s.Info()
	if lerr != nil {
		return 0, lerr
	}
	jww.WARN.Printf("[PREKEY] broker count unavailable, using local count: %v", err)
	return info.OneTimeKeyCount, nil
}

// MaybeReplenish tops the pool up to the configured size when it fell
// below the threshold. Concurrent calls share one run.
func (s *Service) MaybeReplenish(ctx context.Context) (bool, error) {
	v, err, _ := s.sf.Do(s.self.String(), func() (any, error) {
		n, err := s.AvailablePrekeys(ctx)
		if err != nil {
			return false, err
		}
		if n >= s.cfg.Threshold {
			return false, nil
		}
		jww.INFO.Printf("[PREKEY] %d one-time prekeys left, replenishing", n)
		return true, s.ReplenishPrekeys(ctx, s.cfg.PoolSize-n)
	})
	return v.(bool), err
}

// RotateSignedPrekey replaces the signed prekey and republishes.
func (s *Service) RotateSignedPrekey(ctx context.Context) error {
	if err := s.UpdateAccount(s.eng.RotateSignedPrekey); err != nil {
		return errors.Wrap(err, "rotate signed prekey")
	}
	jww.INFO.Printf("[PREKEY] rotated signed prekey")
	return s.Publish(ctx)
}

// CheckDevice compares the local identity with what the broker publishes
// for this device. An absent record is republished. Different keys mean
// another installation took over the device id, or the local state is
// stale, and yield StatusDeviceMismatch.
func (s *Service) CheckDevice(ctx context.Context) (domain.Status, error) {
	ok, err := s.HasAccount()
	if err != nil {
		return domain.StatusError, err
	}
	if !ok {
		return domain.StatusNeedsSetup, nil
	}
	local, err := s.DeviceIdentity()
	if err != nil {
		return domain.StatusError, err
	}

	remote, err := s.dir.FetchDeviceKeys(ctx, s.self)
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		jww.WARN.Printf("[PREKEY] %s missing on broker, republishing", s.self)
		if err := s.Publish(ctx); err != nil {
			return domain.StatusError, err
		}
		return domain.StatusReady, nil
	case err != nil:
		return domain.StatusError, errors.Wrap(err, "fetch own device")
	}

	if remote.IdentityKey != local.IdentityKey || remote.SigningKey != local.SigningKey {
		jww.ERROR.Printf("[PREKEY] published identity of %s differs from local identity", s.self)
		return domain.StatusDeviceMismatch, nil
	}
	if remote.SignedPrekey.ID != local.SignedPrekey.ID {
		if err := s.Publish(ctx); err != nil {
			return domain.StatusError, err
		}
	}
	return domain.StatusReady, nil
}

// Compile-time assertion that Service implements domain.AccountKeeper.
var _ domain.AccountKeeper = (*Service)(nil)
