package megolm_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/protocol/megolm"
)

var ad = []byte("conv-1|alice/phone")

func TestRoundTripFromIndexZero(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	in, err := megolm.NewInbound(out.Key())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("hello %d", i)
		m, err := out.Encrypt(ad, []byte(msg))
		require.NoError(t, err)
		require.Equal(t, uint32(i), m.Index)

		pt, err := in.Decrypt(ad, m)
		require.NoError(t, err)
		require.Equal(t, msg, string(pt))
	}
}

func TestFirstKnownIndexBoundary(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)

	var early []megolm.Message
	for i := 0; i < 42; i++ {
		m, err := out.Encrypt(ad, []byte("before"))
		require.NoError(t, err)
		early = append(early, m)
	}

	key := out.Key()
	require.Equal(t, uint32(42), key.Index)
	in, err := megolm.NewInbound(key)
	require.NoError(t, err)

	for _, m := range early {
		_, err := in.Decrypt(ad, m)
		require.ErrorIs(t, err, megolm.ErrIndexTooOld)
	}

	m42, err := out.Encrypt(ad, []byte("at 42"))
	require.NoError(t, err)
	m43, err := out.Encrypt(ad, []byte("at 43"))
	require.NoError(t, err)

	pt, err := in.Decrypt(ad, m43)
	require.NoError(t, err)
	require.Equal(t, "at 43", string(pt))

	pt, err = in.Decrypt(ad, m42)
	require.NoError(t, err)
	require.Equal(t, "at 42", string(pt))
}

func TestReplayIsRejected(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	in, err := megolm.NewInbound(out.Key())
	require.NoError(t, err)

	m, err := out.Encrypt(ad, []byte("once"))
	require.NoError(t, err)

	_, err = in.Decrypt(ad, m)
	require.NoError(t, err)
	_, err = in.Decrypt(ad, m)
	require.ErrorIs(t, err, megolm.ErrReplay)
}

func TestTamperingIsRejectedWithoutStateChange(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	in, err := megolm.NewInbound(out.Key())
	require.NoError(t, err)

	m, err := out.Encrypt(ad, []byte("signed"))
	require.NoError(t, err)

	bad := m
	bad.Ciphertext = append([]byte(nil), m.Ciphertext...)
	bad.Ciphertext[0] ^= 0x01
	_, err = in.Decrypt(ad, bad)
	require.ErrorIs(t, err, megolm.ErrBadSignature)

	_, err = in.Decrypt([]byte("other conversation"), m)
	require.ErrorIs(t, err, megolm.ErrBadSignature)

	require.Equal(t, uint32(0), in.Index)
	pt, err := in.Decrypt(ad, m)
	require.NoError(t, err)
	require.Equal(t, "signed", string(pt))
}

func TestForwardedKeyStartsAtFirstKnownIndex(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := out.Encrypt(ad, []byte("skip"))
		require.NoError(t, err)
	}
	in, err := megolm.NewInbound(out.Key())
	require.NoError(t, err)

	m3, err := out.Encrypt(ad, []byte("three"))
	require.NoError(t, err)
	_, err = in.Decrypt(ad, m3)
	require.NoError(t, err)

	fwd, err := megolm.NewInbound(in.Key())
	require.NoError(t, err)
	require.Equal(t, uint32(3), fwd.FirstKnownIndex)

	pt, err := fwd.Decrypt(ad, m3)
	require.NoError(t, err)
	require.Equal(t, "three", string(pt))
}

func TestMessageFromOtherSession(t *testing.T) {
	a, err := megolm.NewOutbound()
	require.NoError(t, err)
	b, err := megolm.NewOutbound()
	require.NoError(t, err)
	in, err := megolm.NewInbound(a.Key())
	require.NoError(t, err)

	m, err := b.Encrypt(ad, []byte("x"))
	require.NoError(t, err)
	_, err = in.Decrypt(ad, m)
	require.ErrorIs(t, err, megolm.ErrSessionMismatch)
}
