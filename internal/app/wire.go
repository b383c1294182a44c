package app

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/engine"
	"cipherdm/internal/services/backup"
	"cipherdm/internal/services/group"
	"cipherdm/internal/services/identity"
	"cipherdm/internal/services/session"
	"cipherdm/internal/services/trust"
	"cipherdm/internal/services/verification"
	"cipherdm/internal/store"
	"cipherdm/internal/util/memzero"
)

// Wire bundles every store and service of one device.
type Wire struct {
	Profile  domain.Profile
	Broker   domain.Broker
	Engine   *engine.Engine
	DB       *store.DeviceDB
	Identity *identity.Service
	Sessions *session.Service
	Groups   *group.Service
	Verify   *verification.Coordinator
	Trust    *trust.Service
	Backups  *backup.Service
}

// NewWire constructs the dependency graph of the device that cfg.User
// owns on this installation for cfg.BrokerURL. The device id and pickle
// salt are created on first use and kept in the profile file.
func NewWire(cfg Config, brk domain.Broker) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, errors.Wrap(err, "create home")
	}
	prof, err := loadProfile(store.NewProfileFileStore(cfg.Home), cfg)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DerivePickleKey(cfg.Passphrase, prof.PickleSalt)
	if err != nil {
		return nil, err
	}
	eng := engine.New()
	err = eng.Init(key)
	memzero.Zero(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.Home, "devices", string(prof.DeviceID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		eng.Teardown()
		return nil, errors.Wrap(err, "create device dir")
	}
	db, err := store.OpenDeviceDB(filepath.Join(dir, "device.db"))
	if err != nil {
		eng.Teardown()
		return nil, err
	}

	self := prof.Address()
	ids := identity.New(self, eng, db, brk, cfg.Prekeys)
	sessions := session.New(eng, ids, db, db, brk)
	trustSvc := trust.New(self.UserID, brk, brk, db)
	return &Wire{
		Profile:  prof,
		Broker:   brk,
		Engine:   eng,
		DB:       db,
		Identity: ids,
		Sessions: sessions,
		Groups:   group.New(self, eng, db, sessions, brk, cfg.Group),
		Verify:   verification.New(ids, brk, brk, db, trustSvc, cfg.VerificationTTL),
		Trust:    trustSvc,
		Backups:  backup.New(self, eng, db, brk, brk, cfg.Backup),
	}, nil
}

func loadProfile(profiles domain.ProfileStore, cfg Config) (domain.Profile, error) {
	prof, ok, err := profiles.LoadProfile(cfg.BrokerURL, cfg.User)
	if err != nil || ok {
		return prof, err
	}
	salt := make([]byte, crypto.SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return domain.Profile{}, errors.Wrap(err, "pickle salt")
	}
	prof = domain.Profile{
		BrokerURL:  cfg.BrokerURL,
		UserID:     cfg.User,
		DeviceID:   domain.DeviceID(uuid.NewString()),
		PickleSalt: salt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := profiles.SaveProfile(prof); err != nil {
		return domain.Profile{}, err
	}
	jww.INFO.Printf("[APP] new device %s for %s at %s", prof.DeviceID, cfg.User, cfg.BrokerURL)
	return prof, nil
}

// Close tears the engine down and closes the device database.
func (w *Wire) Close() error {
	w.Engine.Teardown()
	return w.DB.Close()
}
