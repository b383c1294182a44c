package group_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/broker"
	"cipherdm/internal/domain"
	"cipherdm/internal/services/group"
	"cipherdm/internal/testkit"
)

const conv = domain.ConversationID("room")

func members(t *testing.T, brk *broker.Store, users ...domain.UserID) {
	t.Helper()
	require.NoError(t, brk.SetConversationMembers(testkit.Context(t), conv, users))
}

func receive(t *testing.T, d *testkit.Device, want int) []domain.InboundGroupRecord {
	t.Helper()
	recs, err := d.Groups.ReceiveKeyShares(testkit.Context(t))
	require.NoError(t, err)
	require.Len(t, recs, want)
	return recs
}

func TestGroupRoundTrip(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	carol := testkit.Generated(t, brk, "carol", "c1")
	members(t, brk, "alice", "bob", "carol")

	m, err := alice.Groups.EncryptGroup(ctx, conv, []byte("hi all"))
	require.NoError(t, err)
	require.Equal(t, alice.Addr, m.SenderDevice)
	require.Zero(t, m.Index)

	rec, ok, err := alice.Groups.Outbound(conv)
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []domain.DeviceAddress{bob.Addr, carol.Addr}, rec.SharedWith)
	require.False(t, rec.PendingShare)

	for _, d := range []*testkit.Device{bob, carol} {
		recs := receive(t, d, 1)
		require.Equal(t, m.SessionID, recs[0].SessionID)
		require.Equal(t, alice.Addr, recs[0].Sender())
		require.Zero(t, recs[0].FirstKnownIndex)

		pt, err := d.Groups.DecryptGroup(ctx, conv, m)
		require.NoError(t, err)
		require.Equal(t, "hi all", string(pt))

		// Shares are claimed once.
		receive(t, d, 0)
	}

	// The sender reads its own messages.
	pt, err := alice.Groups.DecryptGroup(ctx, conv, m)
	require.NoError(t, err)
	require.Equal(t, "hi all", string(pt))

	_, err = bob.Groups.DecryptGroup(ctx, conv, m)
	require.ErrorIs(t, err, domain.ErrReplayDetected)

	forged := m
	forged.SenderDevice = carol.Addr
	_, err = bob.Groups.DecryptGroup(ctx, conv, forged)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)

	m2, err := alice.Groups.EncryptGroup(ctx, conv, []byte("second"))
	require.NoError(t, err)
	bad := m2
	bad.Ciphertext = append([]byte(nil), m2.Ciphertext...)
	bad.Ciphertext[0] ^= 1
	_, err = bob.Groups.DecryptGroup(ctx, conv, bad)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
	pt, err = bob.Groups.DecryptGroup(ctx, conv, m2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
}

func TestUnknownSession(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	members(t, brk, "alice")

	m, err := alice.Groups.EncryptGroup(ctx, conv, []byte("secret"))
	require.NoError(t, err)
	_, err = bob.Groups.DecryptGroup(ctx, conv, m)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.NotErrorIs(t, err, domain.ErrUnknownMessageIndex)
}

func TestRotationAfterHundredMessages(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	members(t, brk, "alice", "bob")

	var first domain.SessionID
	for i := 0; i < group.DefaultRotationMessages; i++ {
		m, err := alice.Groups.EncryptGroup(ctx, conv, []byte("msg"))
		require.NoError(t, err)
		require.Equal(t, uint32(i), m.Index)
		if i == 0 {
			first = m.SessionID
		}
		require.Equal(t, first, m.SessionID)
	}

	m, err := alice.Groups.EncryptGroup(ctx, conv, []byte("rotated"))
	require.NoError(t, err)
	require.NotEqual(t, first, m.SessionID)
	require.Zero(t, m.Index)

	recs := receive(t, bob, 2)
	ids := []domain.SessionID{recs[0].SessionID, recs[1].SessionID}
	require.ElementsMatch(t, []domain.SessionID{first, m.SessionID}, ids)
	pt, err := bob.Groups.DecryptGroup(ctx, conv, m)
	require.NoError(t, err)
	require.Equal(t, "rotated", string(pt))
}

func TestRotationByAge(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	members(t, brk, "alice")
	groups := group.New(alice.Addr, alice.Engine, alice.DB, alice.Sessions, brk, group.Config{RotationAge: time.Nanosecond})

	m1, err := groups.EncryptGroup(ctx, conv, []byte("one"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	m2, err := groups.EncryptGroup(ctx, conv, []byte("two"))
	require.NoError(t, err)
	require.NotEqual(t, m1.SessionID, m2.SessionID)
}

func TestLateJoinerStartsAtCurrentIndex(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	dave := testkit.Generated(t, brk, "dave", "d1")
	members(t, brk, "alice")

	var sent []domain.GroupMessage
	for i := 0; i < 42; i++ {
		m, err := alice.Groups.EncryptGroup(ctx, conv, []byte("before"))
		require.NoError(t, err)
		sent = append(sent, m)
	}

	members(t, brk, "alice", "dave")
	report, err := alice.Groups.MembershipChanged(ctx, conv, []domain.UserID{"dave"}, nil)
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceAddress{dave.Addr}, report.Shared)

	m42, err := alice.Groups.EncryptGroup(ctx, conv, []byte("welcome"))
	require.NoError(t, err)
	require.Equal(t, uint32(42), m42.Index)
	require.Equal(t, sent[0].SessionID, m42.SessionID)

	recs := receive(t, dave, 1)
	require.Equal(t, uint32(42), recs[0].FirstKnownIndex)

	_, err = dave.Groups.DecryptGroup(ctx, conv, sent[41])
	require.ErrorIs(t, err, domain.ErrUnknownMessageIndex)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	pt, err := dave.Groups.DecryptGroup(ctx, conv, m42)
	require.NoError(t, err)
	require.Equal(t, "welcome", string(pt))
}

func TestRemovalForcesRotation(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	carol := testkit.Generated(t, brk, "carol", "c1")
	members(t, brk, "alice", "bob", "carol")

	m1, err := alice.Groups.EncryptGroup(ctx, conv, []byte("all three"))
	require.NoError(t, err)
	receive(t, carol, 1)

	members(t, brk, "alice", "bob")
	_, err = alice.Groups.MembershipChanged(ctx, conv, nil, []domain.UserID{"carol"})
	require.NoError(t, err)

	m2, err := alice.Groups.EncryptGroup(ctx, conv, []byte("without carol"))
	require.NoError(t, err)
	require.NotEqual(t, m1.SessionID, m2.SessionID)

	receive(t, carol, 0)
	_, err = carol.Groups.DecryptGroup(ctx, conv, m2)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	receive(t, bob, 2)
	pt, err := bob.Groups.DecryptGroup(ctx, conv, m2)
	require.NoError(t, err)
	require.Equal(t, "without carol", string(pt))
}

func TestRemovalByAnotherMemberForcesRotation(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	carol := testkit.Generated(t, brk, "carol", "c1")
	members(t, brk, "alice", "bob", "carol")

	m1, err := bob.Groups.EncryptGroup(ctx, conv, []byte("all three"))
	require.NoError(t, err)
	receive(t, carol, 1)

	// alice removes carol; bob is never told directly.
	members(t, brk, "alice", "bob")

	m2, err := bob.Groups.EncryptGroup(ctx, conv, []byte("without carol"))
	require.NoError(t, err)
	require.NotEqual(t, m1.SessionID, m2.SessionID)

	rec, ok, err := bob.Groups.Outbound(conv)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, rec.SharedWith, carol.Addr)

	receive(t, carol, 0)
	_, err = carol.Groups.DecryptGroup(ctx, conv, m2)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSkippedDeviceIsRetried(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	carol := testkit.Generated(t, brk, "carol", "c1")
	members(t, brk, "alice", "bob", "carol")

	drain := domain.DeviceAddress{UserID: "mallory", DeviceID: "m1"}
	for i := 0; i < testkit.PoolSize; i++ {
		_, err := brk.ClaimOneTimePrekey(ctx, drain, carol.Addr)
		require.NoError(t, err)
	}

	m1, err := alice.Groups.EncryptGroup(ctx, conv, []byte("carol misses this"))
	require.NoError(t, err)
	rec, _, err := alice.Groups.Outbound(conv)
	require.NoError(t, err)
	require.True(t, rec.PendingShare)
	require.Equal(t, []domain.DeviceAddress{bob.Addr}, rec.SharedWith)

	require.NoError(t, carol.Identity.ReplenishPrekeys(ctx, 5))

	m2, err := alice.Groups.EncryptGroup(ctx, conv, []byte("carol reads this"))
	require.NoError(t, err)
	require.Equal(t, m1.SessionID, m2.SessionID)
	rec, _, err = alice.Groups.Outbound(conv)
	require.NoError(t, err)
	require.False(t, rec.PendingShare)

	recs := receive(t, carol, 1)
	require.Equal(t, uint32(1), recs[0].FirstKnownIndex)
	pt, err := carol.Groups.DecryptGroup(ctx, conv, m2)
	require.NoError(t, err)
	require.Equal(t, "carol reads this", string(pt))
	_, err = carol.Groups.DecryptGroup(ctx, conv, m1)
	require.ErrorIs(t, err, domain.ErrUnknownMessageIndex)
}

func TestUnimportableShareIsDiscarded(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	members(t, brk, "alice", "bob")

	_, err := alice.Groups.EncryptGroup(ctx, conv, []byte("hi"))
	require.NoError(t, err)

	// Relabel the share so it opens but does not match its payload.
	shares, err := brk.ListPendingGroupKeyShares(ctx, bob.Addr)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.NoError(t, brk.MarkGroupKeyShareClaimed(ctx, shares[0]))
	bad := shares[0]
	bad.SessionID = "relabelled"
	require.NoError(t, brk.PutGroupKeyShare(ctx, bad))

	receive(t, bob, 0)
	pending, err := brk.ListPendingGroupKeyShares(ctx, bob.Addr)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestForwardToOwnDevice(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	b1 := testkit.Generated(t, brk, "bob", "b1")
	members(t, brk, "alice", "bob")

	m, err := alice.Groups.EncryptGroup(ctx, conv, []byte("for bob"))
	require.NoError(t, err)
	receive(t, b1, 1)

	b2 := testkit.Generated(t, brk, "bob", "b2")
	require.ErrorIs(t, b1.Groups.ForwardKeyShare(ctx, conv, m.SessionID, alice.Addr), domain.ErrInvalidArgument)
	require.NoError(t, b1.Groups.ForwardKeyShare(ctx, conv, m.SessionID, b2.Addr))

	recs := receive(t, b2, 1)
	require.Equal(t, alice.Addr, recs[0].Sender())
	pt, err := b2.Groups.DecryptGroup(ctx, conv, m)
	require.NoError(t, err)
	require.Equal(t, "for bob", string(pt))
}
