package app_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"cipherdm/internal/app"
	"cipherdm/internal/broker"
	"cipherdm/internal/domain"
	"cipherdm/internal/services/group"
	"cipherdm/internal/services/identity"
	"cipherdm/internal/testkit"
)

func newClient(t *testing.T, brk domain.Broker, user domain.UserID) *app.Client {
	t.Helper()
	w, err := app.NewWire(app.Config{
		Home:            t.TempDir(),
		BrokerURL:       "http://broker.test",
		User:            user,
		Passphrase:      "correct horse",
		Prekeys:         identity.Config{PoolSize: testkit.PoolSize, Threshold: 5, PublishTimeout: time.Second},
		VerificationTTL: time.Minute,
		Backup:          testkit.FastArgon2,
		HTTPTimeout:     time.Second,
	}, brk)
	require.NoError(t, err)
	c := app.New(w)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Load(testkit.Context(t)))
	return c
}

func readyClient(t *testing.T, brk domain.Broker, user domain.UserID) *app.Client {
	t.Helper()
	c := newClient(t, brk, user)
	_, err := c.GenerateKeys(testkit.Context(t))
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, c.Status())
	return c
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	app.SetDefaults(v)
	v.Set(app.KeyUser, "alice")
	v.Set(app.KeyPassphrase, "pw")
	v.Set(app.KeyRotationMessages, 50)

	cfg, err := app.ConfigFromViper(v)
	require.NoError(t, err)
	require.Equal(t, domain.UserID("alice"), cfg.User)
	require.Equal(t, uint32(50), cfg.Group.RotationMessages)
	require.Equal(t, identity.DefaultPoolSize, cfg.Prekeys.PoolSize)
	require.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	require.Equal(t, "http://127.0.0.1:8080", cfg.BrokerURL)

	v.Set(app.KeyUser, "")
	_, err = app.ConfigFromViper(v)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStatusLifecycle(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	c := newClient(t, brk, "alice")
	require.Equal(t, domain.StatusNeedsSetup, c.Status())

	_, err := c.EncryptGroupMessage(ctx, "room", []byte("x"))
	require.ErrorIs(t, err, domain.ErrNotReady)
	require.ErrorIs(t, c.Dismiss(), domain.ErrNotReady)

	d, err := c.GenerateKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, c.Self(), d.Address())
	require.Equal(t, domain.StatusReady, c.Status())

	_, err = c.GenerateKeys(ctx)
	require.ErrorIs(t, err, domain.ErrNotReady)

	rec, err := c.IsUserTrusted(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.TrustTOFU, rec.Level)

	n, err := brk.CountOneTimePrekeys(ctx, c.Self())
	require.NoError(t, err)
	require.Equal(t, testkit.PoolSize, n)

	require.NoError(t, c.Load(ctx))
	require.Equal(t, domain.StatusReady, c.Status())
}

func takeOver(t *testing.T, brk *broker.Store, c *app.Client) {
	t.Helper()
	testkit.Generated(t, brk, c.Self().UserID, c.Self().DeviceID)
	require.NoError(t, c.Load(testkit.Context(t)))
	require.Equal(t, domain.StatusDeviceMismatch, c.Status())
}

func TestDeviceMismatchDismiss(t *testing.T) {
	brk := testkit.Broker(t)
	c := readyClient(t, brk, "alice")
	takeOver(t, brk, c)

	_, err := c.EncryptMessage(testkit.Context(t), domain.DeviceAddress{UserID: "bob", DeviceID: "b1"}, []byte("x"))
	require.ErrorIs(t, err, domain.ErrNotReady)

	require.NoError(t, c.Dismiss())
	require.Equal(t, domain.StatusReady, c.Status())
	require.True(t, c.Degraded())
}

func TestDeviceMismatchRegenerate(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	c := readyClient(t, brk, "alice")
	before, err := c.Fingerprint()
	require.NoError(t, err)
	takeOver(t, brk, c)

	_, err = c.Regenerate(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, c.Status())
	require.False(t, c.Degraded())

	after, err := c.Fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	require.NoError(t, c.Load(ctx))
	require.Equal(t, domain.StatusReady, c.Status())
}

func TestSendReceive(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := readyClient(t, brk, "alice")
	bob := readyClient(t, brk, "bob")

	sent, err := alice.Send(ctx, "bob", []byte("hello bob"))
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceAddress{bob.Self()}, sent.Delivered)

	got, err := bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hello bob", string(got.Messages[0].Plaintext))
	require.Equal(t, alice.Self(), got.Messages[0].From)

	_, err = bob.Send(ctx, "alice", []byte("hi alice"))
	require.NoError(t, err)
	got, err = alice.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hi alice", string(got.Messages[0].Plaintext))

	// Acknowledged envelopes are gone.
	got, err = bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, got.Messages)

	_, err = alice.Send(ctx, "nobody", []byte("x"))
	require.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestGroupSendReceive(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := readyClient(t, brk, "alice")
	bob := readyClient(t, brk, "bob")
	carol := readyClient(t, brk, "carol")

	_, err := alice.SetMembers(ctx, "room", []domain.UserID{"alice", "bob"})
	require.NoError(t, err)
	sent, err := alice.SendGroup(ctx, "room", []byte("one"))
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceAddress{bob.Self()}, sent.Delivered)

	got, err := bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "one", string(got.Messages[0].Plaintext))
	require.Equal(t, domain.ConversationID("room"), got.Messages[0].ConversationID)

	// Carol joins and reads what is sent from now on.
	_, err = alice.SetMembers(ctx, "room", []domain.UserID{"alice", "bob", "carol"})
	require.NoError(t, err)
	_, err = alice.SendGroup(ctx, "room", []byte("two"))
	require.NoError(t, err)
	got, err = carol.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "two", string(got.Messages[0].Plaintext))

	// Removing bob rotates the session before the next message.
	before, _, err := alice.Groups.Outbound("room")
	require.NoError(t, err)
	_, err = alice.SetMembers(ctx, "room", []domain.UserID{"alice", "carol"})
	require.NoError(t, err)
	_, err = alice.SendGroup(ctx, "room", []byte("three"))
	require.NoError(t, err)
	after, _, err := alice.Groups.Outbound("room")
	require.NoError(t, err)
	require.NotEqual(t, before.SessionID, after.SessionID)
}

func TestGroupEnvelopeWaitsForKey(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := readyClient(t, brk, "alice")
	bob := readyClient(t, brk, "bob")
	require.NoError(t, brk.SetConversationMembers(ctx, "room", []domain.UserID{"alice", "bob"}))

	msg, err := alice.EncryptGroupMessage(ctx, "room", []byte("late key"))
	require.NoError(t, err)

	// Take bob's share away and hand it back after the first poll.
	shares, err := brk.ListPendingGroupKeyShares(ctx, bob.Self())
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.NoError(t, brk.MarkGroupKeyShareClaimed(ctx, shares[0]))

	payload, err := group.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, brk.PostEnvelope(ctx, domain.Envelope{
		From: alice.Self(), To: bob.Self(), Kind: domain.EnvelopeGroup, ConversationID: "room", Payload: payload,
	}))

	got, err := bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, got.Messages)
	require.Equal(t, 1, got.Pending)

	require.NoError(t, brk.PutGroupKeyShare(ctx, shares[0]))
	got, err = bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "late key", string(got.Messages[0].Plaintext))
}

func TestPendingGroupEnvelopesDoNotBlockQueue(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := readyClient(t, brk, "alice")
	bob := readyClient(t, brk, "bob")
	require.NoError(t, brk.SetConversationMembers(ctx, "room", []domain.UserID{"alice", "bob"}))

	for i := 0; i < 3; i++ {
		msg, err := alice.EncryptGroupMessage(ctx, "room", []byte("no key yet"))
		require.NoError(t, err)
		payload, err := group.Marshal(msg)
		require.NoError(t, err)
		require.NoError(t, brk.PostEnvelope(ctx, domain.Envelope{
			From: alice.Self(), To: bob.Self(), Kind: domain.EnvelopeGroup, ConversationID: "room", Payload: payload,
		}))
	}
	shares, err := brk.ListPendingGroupKeyShares(ctx, bob.Self())
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.NoError(t, brk.MarkGroupKeyShareClaimed(ctx, shares[0]))

	sent, err := alice.Send(ctx, "bob", []byte("direct"))
	require.NoError(t, err)
	require.Len(t, sent.Delivered, 1)

	got, err := bob.Receive(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, got.Pending)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "direct", string(got.Messages[0].Plaintext))

	// The held envelopes are still delivered once the key shows up.
	require.NoError(t, brk.PutGroupKeyShare(ctx, shares[0]))
	got, err = bob.Receive(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, got.Pending)
	require.Len(t, got.Messages, 3)
}

func TestBackupRestore(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	c := readyClient(t, brk, "alice")

	ok, err := c.HasBackup(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.CreateBackup(ctx, []byte("pw"))
	require.NoError(t, err)
	ok, err = c.HasBackup(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, c.RestoreFromBackup(ctx, []byte("wrong")), domain.ErrBackupDecryptionFailed)
	require.Equal(t, domain.StatusReady, c.Status())

	require.NoError(t, c.RestoreFromBackup(ctx, []byte("pw")))
	require.Equal(t, domain.StatusReady, c.Status())
}
