// Package testkit builds complete devices against an in-process broker
// for package tests.
package testkit

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/broker"
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
)

// PoolSize is the one-time prekey pool of every test device.
const PoolSize = 20

// FastArgon2 keeps backup tests quick.
var FastArgon2 = crypto.Argon2Params{Iterations: 1, MemoryKiB: 1024, Threads: 1}

// Broker opens a broker store in a temporary directory.
func Broker(t testing.TB) *broker.Store {
	t.Helper()
	st, err := broker.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Device is one client device with every service wired.
type Device struct {
	Addr     domain.DeviceAddress
	Engine   *engine.Engine
	DB       *store.DeviceDB
	Identity *identity.Service
	Sessions *session.Service
	Groups   *group.Service
	Verify   *verification.Coordinator
	Trust    *trust.Service
	Backups  *backup.Service
}

// NewDevice wires a device for user/device against brk without creating
// its account.
func NewDevice(t testing.TB, brk domain.Broker, user domain.UserID, device domain.DeviceID) *Device {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	eng := engine.New()
	require.NoError(t, eng.Init(key))
	t.Cleanup(eng.Teardown)

	db, err := store.OpenDeviceDB(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	self := domain.DeviceAddress{UserID: user, DeviceID: device}
	ids := identity.New(self, eng, db, brk, identity.Config{
		PoolSize:       PoolSize,
		Threshold:      5,
		PublishTimeout: time.Second,
	})
	sessions := session.New(eng, ids, db, db, brk)
	trustSvc := trust.New(user, brk, brk, db)
	return &Device{
		Addr:     self,
		Engine:   eng,
		DB:       db,
		Identity: ids,
		Sessions: sessions,
		Groups:   group.New(self, eng, db, sessions, brk, group.Config{Parallelism: 4}),
		Verify:   verification.New(ids, brk, brk, db, trustSvc, time.Minute),
		Trust:    trustSvc,
		Backups:  backup.New(self, eng, db, brk, brk, FastArgon2),
	}
}

// Generated is NewDevice followed by identity generation and publishing.
func Generated(t testing.TB, brk domain.Broker, user domain.UserID, device domain.DeviceID) *Device {
	t.Helper()
	d := NewDevice(t, brk, user, device)
	_, err := d.Identity.GenerateIdentity(Context(t))
	require.NoError(t, err)
	return d
}
