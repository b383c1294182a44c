package session_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/domain"
	"cipherdm/internal/services/session"
	"cipherdm/internal/testkit"
)

func TestRoundTrip(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	consumed := 0
	bob.Sessions.OnPrekeyConsumed(func() { consumed++ })

	m1, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("hello bob"))
	require.NoError(t, err)
	require.Equal(t, domain.MessageTypePreKey, m1.Type)
	require.NotNil(t, m1.PreKey)

	left, err := brk.CountOneTimePrekeys(ctx, bob.Addr)
	require.NoError(t, err)
	require.Equal(t, testkit.PoolSize-1, left)

	pt, err := bob.Sessions.DecryptPairwise(ctx, alice.Addr, m1)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
	require.Equal(t, 1, consumed)

	// Until bob replies alice keeps sending prekey messages.
	m2, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("still there?"))
	require.NoError(t, err)
	require.Equal(t, domain.MessageTypePreKey, m2.Type)
	pt, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m2)
	require.NoError(t, err)
	require.Equal(t, "still there?", string(pt))

	r1, err := bob.Sessions.EncryptPairwise(ctx, alice.Addr, []byte("hi alice"))
	require.NoError(t, err)
	require.Equal(t, domain.MessageTypeNormal, r1.Type)
	pt, err = alice.Sessions.DecryptPairwise(ctx, bob.Addr, r1)
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(pt))

	m3, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("after reply"))
	require.NoError(t, err)
	require.Equal(t, domain.MessageTypeNormal, m3.Type)
	pt, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m3)
	require.NoError(t, err)
	require.Equal(t, "after reply", string(pt))

	// Only one prekey was ever claimed.
	left, err = brk.CountOneTimePrekeys(ctx, bob.Addr)
	require.NoError(t, err)
	require.Equal(t, testkit.PoolSize-1, left)
}

func TestSimultaneousInitiationConverges(t *testing.T) {
	for _, lowerFirst := range []bool{true, false} {
		ctx := testkit.Context(t)
		brk := testkit.Broker(t)
		alice := testkit.Generated(t, brk, "alice", "a1")
		bob := testkit.Generated(t, brk, "bob", "b1")

		toBob, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("from alice"))
		require.NoError(t, err)
		toAlice, err := bob.Sessions.EncryptPairwise(ctx, alice.Addr, []byte("from bob"))
		require.NoError(t, err)

		deliver := []func(){
			func() {
				pt, err := alice.Sessions.DecryptPairwise(ctx, bob.Addr, toAlice)
				require.NoError(t, err)
				require.Equal(t, "from bob", string(pt))
			},
			func() {
				pt, err := bob.Sessions.DecryptPairwise(ctx, alice.Addr, toBob)
				require.NoError(t, err)
				require.Equal(t, "from alice", string(pt))
			},
		}
		if !lowerFirst {
			deliver[0], deliver[1] = deliver[1], deliver[0]
		}
		for _, d := range deliver {
			d()
		}

		// Both ends now hold the session alice started.
		r, err := bob.Sessions.EncryptPairwise(ctx, alice.Addr, []byte("reply"))
		require.NoError(t, err)
		require.Equal(t, domain.MessageTypeNormal, r.Type)
		pt, err := alice.Sessions.DecryptPairwise(ctx, bob.Addr, r)
		require.NoError(t, err)
		require.Equal(t, "reply", string(pt))

		m, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("again"))
		require.NoError(t, err)
		require.Equal(t, domain.MessageTypeNormal, m.Type)
		pt, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m)
		require.NoError(t, err)
		require.Equal(t, "again", string(pt))
	}
}

func TestReplayIsDetected(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	m1, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("once"))
	require.NoError(t, err)
	_, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m1)
	require.NoError(t, err)

	_, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m1)
	require.ErrorIs(t, err, domain.ErrReplayDetected)
}

func TestNormalMessageWithoutSession(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	bob := testkit.Generated(t, brk, "bob", "b1")
	alice := testkit.Generated(t, brk, "alice", "a1")

	_, err := bob.Sessions.DecryptPairwise(ctx, alice.Addr, domain.PairwiseMessage{
		Type: domain.MessageTypeNormal,
		Body: []byte("not a ratchet message"),
	})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestTamperedMessageLeavesStateUntouched(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	m1, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m1)
	require.NoError(t, err)
	r1, err := bob.Sessions.EncryptPairwise(ctx, alice.Addr, []byte("reply"))
	require.NoError(t, err)
	_, err = alice.Sessions.DecryptPairwise(ctx, bob.Addr, r1)
	require.NoError(t, err)

	m2, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("genuine"))
	require.NoError(t, err)
	bad := m2
	bad.Body = append([]byte(nil), m2.Body...)
	bad.Body[len(bad.Body)-1] ^= 0x01

	_, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, bad)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)

	pt, err := bob.Sessions.DecryptPairwise(ctx, alice.Addr, m2)
	require.NoError(t, err)
	require.Equal(t, "genuine", string(pt))
}

func TestTamperedPrekeyMessageIsRejected(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	m1, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("hello"))
	require.NoError(t, err)
	bad := m1
	bad.Body = append([]byte(nil), m1.Body...)
	bad.Body[len(bad.Body)-1] ^= 0x01

	_, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, bad)
	require.ErrorIs(t, err, domain.ErrRatchetDesync)
	ok, err := bob.Sessions.HasSession(alice.Addr)
	require.NoError(t, err)
	require.False(t, ok)

	// The one-time prekey was not consumed by the failed attempt.
	pt, err := bob.Sessions.DecryptPairwise(ctx, alice.Addr, m1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestClaimExhaustedIsSurfaced(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	for i := 0; i < testkit.PoolSize; i++ {
		_, err := brk.ClaimOneTimePrekey(ctx, domain.DeviceAddress{UserID: "mallory", DeviceID: "m1"}, bob.Addr)
		require.NoError(t, err)
	}

	_, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("hello"))
	require.ErrorIs(t, err, domain.ErrClaimExhausted)
	ok, err := alice.Sessions.HasSession(bob.Addr)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidPrekeySignature(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")

	d, err := brk.FetchDeviceKeys(ctx, bob.Addr)
	require.NoError(t, err)
	d.SignedPrekey.Signature = append([]byte(nil), d.SignedPrekey.Signature...)
	d.SignedPrekey.Signature[0] ^= 0xff
	require.NoError(t, brk.PublishDeviceKeys(ctx, d))

	_, err = alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("hello"))
	require.ErrorIs(t, err, domain.ErrInvalidPrekeySignature)
}

func TestCodec(t *testing.T) {
	_, err := session.Unmarshal([]byte{0xff, 0x00})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	b, err := session.Marshal(domain.PairwiseMessage{Type: domain.MessageTypePreKey, Body: []byte("x")})
	require.NoError(t, err)
	_, err = session.Unmarshal(b)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	in := domain.PairwiseMessage{Type: domain.MessageTypeNormal, Body: []byte("body")}
	b, err = session.Marshal(in)
	require.NoError(t, err)
	out, err := session.Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
