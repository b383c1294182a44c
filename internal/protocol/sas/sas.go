package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
)

const (
	sasInfoLabel = "CIPHERDM_SAS"
	macInfoLabel = "CIPHERDM_SAS_MAC"
	sasBytes     = 6
)

// Commitment binds an ephemeral public key to a transaction.
func Commitment(pub domain.X25519Public, tx domain.TransactionID) []byte {
	h := sha256.New()
	h.Write(pub[:])
	h.Write([]byte(tx))
	return h.Sum(nil)
}

// VerifyCommitment checks pub against a previously published commitment.
func VerifyCommitment(commitment []byte, pub domain.X25519Public, tx domain.TransactionID) bool {
	return hmac.Equal(commitment, Commitment(pub, tx))
}

// Info is the context both parties mix into every derivation. It names the
// transaction and both parties in a fixed order, so it is identical on the
// two sides.
func Info(label string, v domain.Verification) []byte {
	out := make([]byte, 0, 256)
	out = appendField(out, []byte(label))
	out = appendField(out, []byte(v.TransactionID))
	out = appendField(out, []byte(v.Initiator.UserID))
	out = appendField(out, []byte(v.Initiator.DeviceID))
	out = appendField(out, v.Initiator.PublicKey[:])
	out = appendField(out, []byte(v.Target.UserID))
	out = appendField(out, []byte(v.Target.DeviceID))
	return appendField(out, v.Target.PublicKey[:])
}

// Derive computes the SAS from the shared DH secret.
func Derive(shared []byte, v domain.Verification) (domain.SAS, error) {
	b, err := crypto.HKDF(shared, nil, Info(sasInfoLabel, v), sasBytes)
	if err != nil {
		return domain.SAS{}, err
	}
	return FromBytes(b), nil
}

// FromBytes renders six SAS bytes as seven emoji and three decimals.
func FromBytes(b []byte) domain.SAS {
	var n uint64
	for _, c := range b[:sasBytes] {
		n = n<<8 | uint64(c)
	}
	s := domain.SAS{Emoji: make([]domain.Emoji, 7)}
	for i := 0; i < 7; i++ {
		s.Emoji[i] = Emojis[(n>>(42-6*uint(i)))&0x3f]
	}
	s.Decimals[0] = uint16(b[0])<<5 | uint16(b[1])>>3 + 1000
	s.Decimals[1] = (uint16(b[1])&0x07)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6 + 1000
	s.Decimals[2] = (uint16(b[3])&0x3f)<<7 | uint16(b[4])>>1 + 1000
	return s
}

// MAC authenticates a party's signing key under the shared secret.
func MAC(shared []byte, v domain.Verification, party domain.DeviceAddress, key domain.Ed25519Public) ([]byte, error) {
	info := appendField(Info(macInfoLabel, v), []byte(party.String()))
	k, err := crypto.HKDF(shared, nil, info, 32)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, k)
	h.Write(key[:])
	return h.Sum(nil), nil
}

// VerifyMAC checks a MAC produced by MAC.
func VerifyMAC(shared []byte, v domain.Verification, party domain.DeviceAddress, key domain.Ed25519Public, mac []byte) bool {
	want, err := MAC(shared, v, party, key)
	if err != nil {
		return false
	}
	return hmac.Equal(want, mac)
}

func appendField(out, field []byte) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(field)))
	return append(out, field...)
}
