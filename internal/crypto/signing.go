package crypto

import (
	"encoding/binary"

	"cipherdm/internal/domain"
)

const (
	signedPrekeyLabel = "cipherdm-signed-prekey"
	crossSigningLabel = "cipherdm-cross-signing"
)

// SignedPrekeyMessage is the byte string a device signs to vouch for one
// of its signed prekeys.
func SignedPrekeyMessage(id uint32, pub domain.X25519Public) []byte {
	out := make([]byte, 0, len(signedPrekeyLabel)+4+32)
	out = append(out, signedPrekeyLabel...)
	out = binary.BigEndian.AppendUint32(out, id)
	return append(out, pub[:]...)
}

// CrossSigningMessage is the byte string a master key signs to vouch for a
// device signing key.
func CrossSigningMessage(addr domain.DeviceAddress, signing domain.Ed25519Public) []byte {
	out := make([]byte, 0, len(crossSigningLabel)+len(addr.UserID)+len(addr.DeviceID)+40)
	out = append(out, crossSigningLabel...)
	out = appendField(out, []byte(addr.UserID))
	out = appendField(out, []byte(addr.DeviceID))
	return appendField(out, signing[:])
}

// VerifyCrossSigning checks that master signed d's signing key.
func VerifyCrossSigning(master domain.Ed25519Public, d domain.DeviceIdentity) bool {
	if master.IsZero() || len(d.MasterSignature) == 0 {
		return false
	}
	return VerifyEd25519(master, CrossSigningMessage(d.Address(), d.SigningKey), d.MasterSignature)
}

func appendField(out, field []byte) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(field)))
	return append(out, field...)
}
