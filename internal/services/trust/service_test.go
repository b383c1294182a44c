package trust_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/testkit"
)

func TestTrustFollowsCurrentMasterKey(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	b1 := testkit.Generated(t, brk, "bob", "b1")
	b2 := testkit.Generated(t, brk, "bob", "b2")

	master, err := brk.FetchMasterKey(ctx, "bob")
	require.NoError(t, err)
	_, stale, err := crypto.GenerateEd25519()
	require.NoError(t, err)

	err = alice.Trust.TrustUser(ctx, "bob", stale, domain.TrustTOFU, domain.VerificationManual)
	require.ErrorIs(t, err, domain.ErrTrustKeyStale)
	err = alice.Trust.TrustUser(ctx, "nobody", stale, domain.TrustTOFU, domain.VerificationManual)
	require.ErrorIs(t, err, domain.ErrTrustKeyStale)

	_, err = alice.Trust.IsUserTrusted(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, alice.Trust.TrustUser(ctx, "bob", master, domain.TrustTOFU, domain.VerificationManual))
	require.NoError(t, alice.Trust.TrustUser(ctx, "bob", master, domain.TrustVerified, domain.VerificationSAS))
	rec, err := alice.Trust.IsUserTrusted(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, domain.TrustVerified, rec.Level)
	require.Equal(t, master, rec.TrustedMasterKey)

	// Only the device signed by the master key is trusted through it.
	ok, err := alice.Trust.IsDeviceTrusted(ctx, b1.Addr)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = alice.Trust.IsDeviceTrusted(ctx, b2.Addr)
	require.NoError(t, err)
	require.False(t, ok)

	// A new master key makes earlier trust stale.
	require.NoError(t, brk.PublishMasterKey(ctx, "bob", stale))
	_, err = alice.Trust.IsUserTrusted(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrTrustKeyStale)
	ok, err = alice.Trust.IsDeviceTrusted(ctx, b1.Addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, alice.Trust.RevokeTrust(ctx, "bob"))
	recs, err := alice.Trust.ListTrust(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestLocallyVerifiedDeviceIsTrusted(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	d, err := brk.FetchDeviceKeys(ctx, bob.Addr)
	require.NoError(t, err)
	ok, err := alice.Trust.IsDeviceTrusted(ctx, bob.Addr)
	require.NoError(t, err)
	require.False(t, ok)

	d.Verified = true
	d.VerificationMethod = domain.VerificationManual
	require.NoError(t, alice.DB.SaveDevice(d))
	ok, err = alice.Trust.IsDeviceTrusted(ctx, bob.Addr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBrokerVerifiedFlagIsNotTrusted(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	carol := testkit.Generated(t, brk, "carol", "c1")

	require.NoError(t, brk.MarkDeviceVerified(ctx, carol.Addr, domain.VerificationSAS, time.Now()))
	_, err := alice.Sessions.EncryptPairwise(ctx, carol.Addr, []byte("hi"))
	require.NoError(t, err)

	cached, ok, err := alice.DB.LoadDevice(carol.Addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, cached.Verified)

	trusted, err := alice.Trust.IsDeviceTrusted(ctx, carol.Addr)
	require.NoError(t, err)
	require.False(t, trusted)
}
