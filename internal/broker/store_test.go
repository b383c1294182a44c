package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"cipherdm/internal/broker"
	"cipherdm/internal/domain"
)

func openStore(t *testing.T, opts ...broker.Option) *broker.Store {
	t.Helper()
	st, err := broker.Open(filepath.Join(t.TempDir(), "broker.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func device(user, dev string, seed byte) domain.DeviceIdentity {
	d := domain.DeviceIdentity{UserID: domain.UserID(user), DeviceID: domain.DeviceID(dev)}
	for i := range d.IdentityKey {
		d.IdentityKey[i] = seed
		d.SigningKey[i] = seed + 1
		d.SignedPrekey.PublicKey[i] = seed + 2
	}
	d.SignedPrekey.ID = 1
	d.SignedPrekey.Signature = []byte("sig")
	return d
}

func prekeys(from, n int) []domain.OneTimePrekey {
	out := make([]domain.OneTimePrekey, 0, n)
	for i := from; i < from+n; i++ {
		var k domain.OneTimePrekey
		k.KeyID = uint32(i)
		k.PublicKey[0] = byte(i)
		k.PublicKey[1] = byte(i >> 8)
		k.PublicKey[31] = 0x7f
		out = append(out, k)
	}
	return out
}

func TestDeviceKeysLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	bob := device("bob", "phone", 1)

	_, err := st.FetchDeviceKeys(ctx, bob.Address())
	require.True(t, errors.Is(err, domain.ErrDeviceNotFound))

	require.NoError(t, st.PublishDeviceKeys(ctx, bob))
	got, err := st.FetchDeviceKeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Equal(t, bob.IdentityKey, got.IdentityKey)
	require.Equal(t, bob.SignedPrekey.PublicKey, got.SignedPrekey.PublicKey)
	require.False(t, got.Verified)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.MarkDeviceVerified(ctx, bob.Address(), domain.VerificationSAS, at))
	got, err = st.FetchDeviceKeys(ctx, bob.Address())
	require.NoError(t, err)
	require.True(t, got.Verified)
	require.Equal(t, domain.VerificationSAS, got.VerificationMethod)
	require.True(t, at.Equal(*got.VerifiedAt))

	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(1, 5)))
	n, err := st.CountOneTimePrekeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// A new identity for the same device drops the old pool and the flag.
	require.NoError(t, st.PublishDeviceKeys(ctx, device("bob", "phone", 9)))
	n, err = st.CountOneTimePrekeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Zero(t, n)
	got, err = st.FetchDeviceKeys(ctx, bob.Address())
	require.NoError(t, err)
	require.False(t, got.Verified)

	require.NoError(t, st.PublishDeviceKeys(ctx, device("bob", "laptop", 3)))
	all, err := st.ListDevices(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, domain.DeviceID("laptop"), all[0].DeviceID)

	require.NoError(t, st.DeleteDevice(ctx, bob.Address()))
	require.True(t, errors.Is(st.DeleteDevice(ctx, bob.Address()), domain.ErrDeviceNotFound))
}

func TestPublishPrekeysIgnoresKnownIDs(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	bob := device("bob", "phone", 1)

	require.True(t, errors.Is(st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(1, 1)), domain.ErrDeviceNotFound))
	require.NoError(t, st.PublishDeviceKeys(ctx, bob))
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(1, 3)))
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(2, 3)))
	n, err := st.CountOneTimePrekeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Equal(t, 4, n)

	err = st.PublishOneTimePrekeys(ctx, bob.Address(), []domain.OneTimePrekey{{KeyID: 0}})
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	bob := device("bob", "phone", 1)
	require.NoError(t, st.PublishDeviceKeys(ctx, bob))

	const pool, claimers = 50, 100
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(1, pool)))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = map[uint32]int{}
		exhausted int
		failures  []error
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimant := domain.DeviceAddress{UserID: "alice", DeviceID: domain.DeviceID(strings.Repeat("d", i%7+1))}
			k, err := st.ClaimOneTimePrekey(ctx, claimant, bob.Address())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, domain.ErrClaimExhausted):
				exhausted++
			case err != nil:
				failures = append(failures, err)
			default:
				seen[k.KeyID]++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Len(t, seen, pool)
	for id, c := range seen {
		require.Equal(t, 1, c, "key %d handed out %d times", id, c)
	}
	require.Equal(t, claimers-pool, exhausted)

	n, err := st.CountOneTimePrekeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestClaimReturnsLowestKeyAndClaimant(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	bob := device("bob", "phone", 1)
	require.NoError(t, st.PublishDeviceKeys(ctx, bob))
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(7, 3)))

	alice := domain.DeviceAddress{UserID: "alice", DeviceID: "a1"}
	k, err := st.ClaimOneTimePrekey(ctx, alice, bob.Address())
	require.NoError(t, err)
	require.Equal(t, uint32(7), k.KeyID)
	require.Equal(t, prekeys(7, 1)[0].PublicKey, k.PublicKey)
	require.NotNil(t, k.ClaimedAt)
	require.Equal(t, alice, *k.ClaimedBy)

	// Republishing a claimed id does not resurrect it.
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(7, 1)))
	n, err := st.CountOneTimePrekeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestNewIdentityReusesClaimedIDs(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	bob := device("bob", "phone", 1)
	require.NoError(t, st.PublishDeviceKeys(ctx, bob))
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), prekeys(1, 2)))

	alice := domain.DeviceAddress{UserID: "alice", DeviceID: "a1"}
	_, err := st.ClaimOneTimePrekey(ctx, alice, bob.Address())
	require.NoError(t, err)

	// A regenerated device numbers its prekeys from 1 again.
	require.NoError(t, st.PublishDeviceKeys(ctx, device("bob", "phone", 9)))
	fresh := prekeys(1, 2)
	fresh[0].PublicKey[2] = 0x55
	require.NoError(t, st.PublishOneTimePrekeys(ctx, bob.Address(), fresh))
	n, err := st.CountOneTimePrekeys(ctx, bob.Address())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	k, err := st.ClaimOneTimePrekey(ctx, alice, bob.Address())
	require.NoError(t, err)
	require.Equal(t, uint32(1), k.KeyID)
	require.Equal(t, fresh[0].PublicKey, k.PublicKey)
}

func TestMasterKey(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	_, err := st.FetchMasterKey(ctx, "bob")
	require.True(t, errors.Is(err, domain.ErrNotFound))

	var k domain.Ed25519Public
	k[0] = 5
	require.NoError(t, st.PublishMasterKey(ctx, "bob", k))
	got, err := st.FetchMasterKey(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestGroupKeySharesPendingUntilClaimed(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	sh := domain.GroupKeyShare{
		ConversationID: "c1", SessionID: "s1",
		SenderUserID: "alice", SenderDeviceID: "a1",
		RecipientUserID: "bob", RecipientDeviceID: "b1",
		Ciphertext: []byte("ct"),
	}
	require.NoError(t, st.PutGroupKeyShare(ctx, sh))
	require.NoError(t, st.PutGroupKeyShare(ctx, sh))

	pending, err := st.ListPendingGroupKeyShares(ctx, sh.Recipient())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.MarkGroupKeyShareClaimed(ctx, sh))
	pending, err = st.ListPendingGroupKeyShares(ctx, sh.Recipient())
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, st.MarkGroupKeyShareForwarded(ctx, sh))
	sh.Ciphertext = []byte("ct2")
	require.NoError(t, st.PutGroupKeyShare(ctx, sh))
	pending, err = st.ListPendingGroupKeyShares(ctx, sh.Recipient())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].ClaimedCount)
	require.Equal(t, 1, pending[0].ForwardedCount)
	require.Equal(t, []byte("ct2"), pending[0].Ciphertext)

	sh.SessionID = "missing"
	require.True(t, errors.Is(st.MarkGroupKeyShareClaimed(ctx, sh), domain.ErrNotFound))
}

func TestBackupOverwrite(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	_, err := st.GetBackup(ctx, "bob")
	require.True(t, errors.Is(err, domain.ErrBackupNotFound))

	b := domain.BackupBlob{
		UserID: "bob", EncryptedPayload: []byte("one"), IV: []byte("iv"), AuthTag: []byte("tag"),
		Salt: []byte("salt"), KDF: domain.BackupKDFArgon2id, KDFIterations: 3, KDFMemoryKiB: 64,
		KDFThreads: 1, FormatVersion: domain.BackupFormatVersion, DeviceCount: 1,
	}
	require.NoError(t, st.PutBackup(ctx, b))
	b.EncryptedPayload = []byte("two")
	b.DeviceCount = 2
	require.NoError(t, st.PutBackup(ctx, b))

	got, err := st.GetBackup(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got.EncryptedPayload)
	require.Equal(t, 2, got.DeviceCount)
	require.Equal(t, uint8(1), got.KDFThreads)
}

func TestVerificationCompareAndSet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := openStore(t, broker.WithClock(func() time.Time { return now }))

	v := domain.Verification{
		TransactionID: "tx1",
		Initiator:     domain.VerificationParty{UserID: "alice", DeviceID: "a1", Commitment: []byte("c")},
		Target:        domain.VerificationParty{UserID: "bob", DeviceID: "b1"},
		Status:        domain.VerificationStarted,
		ExpiresAt:     now.Add(10 * time.Minute),
	}
	require.NoError(t, st.CreateVerification(ctx, v))
	require.True(t, errors.Is(st.CreateVerification(ctx, v), domain.ErrConflict))

	accepted := v
	accepted.Status = domain.VerificationAccepted
	accepted.Target.PublicKey[0] = 1
	require.NoError(t, st.UpdateVerification(ctx, accepted, domain.VerificationStarted))

	// A second writer that still believes the row is started loses.
	cancelled := v
	cancelled.Status = domain.VerificationCancelled
	err := st.UpdateVerification(ctx, cancelled, domain.VerificationStarted)
	require.True(t, errors.Is(err, domain.ErrConflict))

	got, err := st.GetVerification(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, domain.VerificationAccepted, got.Status)
	require.Equal(t, byte(1), got.Target.PublicKey[0])
	require.Equal(t, []byte("c"), got.Initiator.Commitment)

	_, err = st.GetVerification(ctx, "nope")
	require.True(t, errors.Is(err, domain.ErrNotFound))
	require.True(t, errors.Is(st.UpdateVerification(ctx, domain.Verification{TransactionID: "nope"}, domain.VerificationStarted), domain.ErrNotFound))
}

func TestExpireVerifications(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := openStore(t)

	for i, ttl := range []time.Duration{time.Minute, time.Hour} {
		require.NoError(t, st.CreateVerification(ctx, domain.Verification{
			TransactionID: domain.TransactionID([]string{"short", "long"}[i]),
			Initiator:     domain.VerificationParty{UserID: "alice", DeviceID: "a1"},
			Target:        domain.VerificationParty{UserID: "bob", DeviceID: "b1"},
			Status:        domain.VerificationStarted,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
		}))
	}

	n, err := st.ExpireVerifications(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	short, err := st.GetVerification(ctx, "short")
	require.NoError(t, err)
	require.Equal(t, domain.VerificationExpired, short.Status)
	long, err := st.GetVerification(ctx, "long")
	require.NoError(t, err)
	require.Equal(t, domain.VerificationStarted, long.Status)
}

func TestReaperExpiresOverdue(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := openStore(t, broker.WithClock(func() time.Time { return start.Add(time.Hour) }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.CreateVerification(ctx, domain.Verification{
		TransactionID: "tx",
		Initiator:     domain.VerificationParty{UserID: "alice", DeviceID: "a1"},
		Target:        domain.VerificationParty{UserID: "bob", DeviceID: "b1"},
		Status:        domain.VerificationStarted,
		CreatedAt:     start,
		ExpiresAt:     start.Add(time.Minute),
	}))

	done := make(chan struct{})
	go func() {
		st.RunReaper(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		v, err := st.GetVerification(ctx, "tx")
		return err == nil && v.Status == domain.VerificationExpired
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestTrustAndMembership(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	var k1, k2 domain.Ed25519Public
	k1[0], k2[0] = 1, 2
	require.NoError(t, st.PutTrust(ctx, domain.TrustRecord{TrusterUserID: "alice", TrustedUserID: "bob", TrustedMasterKey: k1, Level: domain.TrustTOFU, Method: domain.VerificationManual}))
	require.NoError(t, st.PutTrust(ctx, domain.TrustRecord{TrusterUserID: "alice", TrustedUserID: "bob", TrustedMasterKey: k2, Level: domain.TrustVerified, Method: domain.VerificationSAS}))
	require.NoError(t, st.PutTrust(ctx, domain.TrustRecord{TrusterUserID: "alice", TrustedUserID: "carol", TrustedMasterKey: k1, Level: domain.TrustVerified, Method: domain.VerificationSAS}))

	recs, err := st.ListTrust(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	require.NoError(t, st.DeleteTrust(ctx, "alice", "bob"))
	recs, err = st.ListTrust(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, domain.UserID("carol"), recs[0].TrustedUserID)

	require.NoError(t, st.SetConversationMembers(ctx, "c1", []domain.UserID{"bob", "alice", "bob"}))
	members, err := st.ConversationMembers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []domain.UserID{"alice", "bob"}, members)

	require.NoError(t, st.SetConversationMembers(ctx, "c1", []domain.UserID{"alice"}))
	members, err = st.ConversationMembers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []domain.UserID{"alice"}, members)
}

func TestMailboxFetchAndAck(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	bob := domain.DeviceAddress{UserID: "bob", DeviceID: "b1"}
	alice := domain.DeviceAddress{UserID: "alice", DeviceID: "a1"}

	for _, id := range []string{"e1", "e2", "e3", "e1"} {
		require.NoError(t, st.PostEnvelope(ctx, domain.Envelope{ID: id, From: alice, To: bob, Kind: domain.EnvelopePairwise, Payload: []byte(id)}))
	}

	envs, err := st.FetchEnvelopes(ctx, bob, 2)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, "e1", envs[0].ID)
	require.Equal(t, alice, envs[0].From)

	require.NoError(t, st.AckEnvelopes(ctx, bob, []string{"e1", "e2", "unknown"}))
	envs, err = st.FetchEnvelopes(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, "e3", envs[0].ID)
}

func TestServerMapsErrorsAndServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := openStore(t, broker.WithMetrics(broker.NewMetrics(reg)))
	srv := httptest.NewServer(broker.NewServer(st, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/devices/bob/phone")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body broker.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "device_not_found", body.Code)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)
}
