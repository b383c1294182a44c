package verification_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/services/verification"
	"cipherdm/internal/testkit"
)

func TestSASVerificationCompletes(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	v, err := alice.Verify.Start(ctx, bob.Addr)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationStarted, v.Status)
	require.True(t, v.Initiator.PublicKey.IsZero())

	_, err = alice.Verify.Confirm(ctx, v.TransactionID, true)
	require.ErrorIs(t, err, domain.ErrVerificationState)
	_, err = alice.Verify.Respond(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationState)

	v, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationAccepted, v.Status)
	_, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationState)

	// The target cannot compute the SAS before the initiator reveals.
	_, err = bob.Verify.ShowSAS(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationState)

	sa, err := alice.Verify.ShowSAS(ctx, v.TransactionID)
	require.NoError(t, err)
	sb, err := bob.Verify.ShowSAS(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, sa, sb)
	require.Len(t, sa.Emoji, 7)

	v, err = alice.Verify.Confirm(ctx, v.TransactionID, true)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationConfirmed, v.Status)

	v, err = bob.Verify.Confirm(ctx, v.TransactionID, true)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationCompleted, v.Status)

	for _, a := range []domain.DeviceAddress{alice.Addr, bob.Addr} {
		d, err := brk.FetchDeviceKeys(ctx, a)
		require.NoError(t, err)
		require.True(t, d.Verified, a.String())
		require.Equal(t, domain.VerificationSAS, d.VerificationMethod)
	}
	seen, ok, err := bob.DB.LoadDevice(alice.Addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, seen.Verified)

	rec, err := bob.Trust.IsUserTrusted(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.TrustVerified, rec.Level)

	// The initiator learns about completion by polling.
	v, err = alice.Verify.Status(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationCompleted, v.Status)
	trusted, err := alice.Trust.IsDeviceTrusted(ctx, bob.Addr)
	require.NoError(t, err)
	require.True(t, trusted)
	_, err = alice.Trust.IsUserTrusted(ctx, "bob")
	require.NoError(t, err)
}

func TestMismatchGrantsNoTrust(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	v, err := alice.Verify.Start(ctx, bob.Addr)
	require.NoError(t, err)
	_, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.NoError(t, err)
	_, err = alice.Verify.ShowSAS(ctx, v.TransactionID)
	require.NoError(t, err)
	_, err = bob.Verify.ShowSAS(ctx, v.TransactionID)
	require.NoError(t, err)

	v, err = bob.Verify.Confirm(ctx, v.TransactionID, false)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationMismatched, v.Status)

	_, err = alice.Verify.Confirm(ctx, v.TransactionID, true)
	require.ErrorIs(t, err, domain.ErrVerificationState)

	_, err = bob.Trust.IsUserTrusted(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
	d, err := brk.FetchDeviceKeys(ctx, alice.Addr)
	require.NoError(t, err)
	require.False(t, d.Verified)
}

// racingStore runs before once, just ahead of the first write that marks a
// transaction mismatched.
type racingStore struct {
	domain.VerificationStore
	before func()
}

func (r *racingStore) UpdateVerification(ctx context.Context, v domain.Verification, expect domain.VerificationStatus) error {
	if v.Status == domain.VerificationMismatched && r.before != nil {
		before := r.before
		r.before = nil
		before()
	}
	return r.VerificationStore.UpdateVerification(ctx, v, expect)
}

func TestMismatchWinsOverConcurrentConfirm(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	v, err := alice.Verify.Start(ctx, bob.Addr)
	require.NoError(t, err)
	_, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.NoError(t, err)
	_, err = alice.Verify.ShowSAS(ctx, v.TransactionID)
	require.NoError(t, err)
	_, err = bob.Verify.ShowSAS(ctx, v.TransactionID)
	require.NoError(t, err)

	// Alice confirms between bob loading the row and writing his mismatch.
	racing := &racingStore{VerificationStore: brk, before: func() {
		got, err := alice.Verify.Confirm(ctx, v.TransactionID, true)
		require.NoError(t, err)
		require.Equal(t, domain.VerificationConfirmed, got.Status)
	}}
	bobRacing := verification.New(bob.Identity, racing, brk, bob.DB, bob.Trust, time.Minute)

	got, err := bobRacing.Confirm(ctx, v.TransactionID, false)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationMismatched, got.Status)
	require.Nil(t, racing.before)

	stored, err := brk.GetVerification(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationMismatched, stored.Status)

	got, err = alice.Verify.Status(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationMismatched, got.Status)
	trusted, err := alice.Trust.IsDeviceTrusted(ctx, bob.Addr)
	require.NoError(t, err)
	require.False(t, trusted)
}

func TestRevealedKeyMustMatchCommitment(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	v, err := alice.Verify.Start(ctx, bob.Addr)
	require.NoError(t, err)
	v, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.NoError(t, err)

	_, other, err := crypto.GenerateX25519()
	require.NoError(t, err)
	v.Initiator.PublicKey = other
	require.NoError(t, brk.UpdateVerification(ctx, v, domain.VerificationAccepted))

	_, err = bob.Verify.ShowSAS(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationMismatched)
	got, err := brk.GetVerification(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationMismatched, got.Status)
}

func TestExpiredTransaction(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	short := verification.New(alice.Identity, brk, brk, alice.DB, alice.Trust, time.Millisecond)

	v, err := short.Start(ctx, bob.Addr)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationExpired)

	got, err := short.Status(ctx, v.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationExpired, got.Status)
	_, err = short.ShowSAS(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationExpired)
}

func TestCancel(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	v, err := alice.Verify.Start(ctx, bob.Addr)
	require.NoError(t, err)
	require.NoError(t, alice.Verify.Cancel(ctx, v.TransactionID))
	_, err = bob.Verify.Respond(ctx, v.TransactionID)
	require.ErrorIs(t, err, domain.ErrVerificationState)
	require.ErrorIs(t, alice.Verify.Cancel(ctx, v.TransactionID), domain.ErrVerificationState)
}

func TestCannotVerifySelf(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")

	_, err := alice.Verify.Start(ctx, alice.Addr)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = alice.Verify.Start(ctx, domain.DeviceAddress{UserID: "nobody", DeviceID: "x"})
	require.ErrorIs(t, err, domain.ErrDeviceNotFound)
}
