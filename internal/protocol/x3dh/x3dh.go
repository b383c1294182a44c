package x3dh

import (
	"bytes"

	"github.com/pkg/errors"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/util/memzero"
)

var x3dhInfo = []byte("cipherdm-x3dh")

// VerifySignedPrekey checks the signed prekey signature against the
// device signing key.
func VerifySignedPrekey(signing domain.Ed25519Public, spk domain.SignedPrekey) bool {
	return crypto.VerifyEd25519(signing, crypto.SignedPrekeyMessage(spk.ID, spk.PublicKey), spk.Signature)
}

// InitiatorRoot derives the root key for the initiator.
//
// The caller is expected to have verified the signed prekey already.
func InitiatorRoot(
	our domain.Identity,
	ephPriv domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
) ([]byte, error) {
	pairs := []dhPair{
		{our.XPriv, peerSPK},    // DH(IKa, SPKb)
		{ephPriv, peerIdentity}, // DH(EKa, IKb)
		{ephPriv, peerSPK},      // DH(EKa, SPKb)
	}
	if peerOPK != nil {
		pairs = append(pairs, dhPair{ephPriv, *peerOPK}) // DH(EKa, OPKb)
	}
	return derive(pairs)
}

// ResponderRoot derives the same root key on the responder side from the
// initiator's prekey message.
func ResponderRoot(
	our domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	pm domain.PreKeyMessage,
) ([]byte, error) {
	pairs := []dhPair{
		{spkPriv, pm.InitiatorIdentityKey}, // DH(SPKb, IKa)
		{our.XPriv, pm.EphemeralKey},       // DH(IKb, EKa)
		{spkPriv, pm.EphemeralKey},         // DH(SPKb, EKa)
	}
	if opkPriv != nil {
		pairs = append(pairs, dhPair{*opkPriv, pm.EphemeralKey}) // DH(OPKb, EKa)
	}
	return derive(pairs)
}

// AssociatedData binds both identity keys into every ratchet message.
func AssociatedData(initiator, responder domain.X25519Public) []byte {
	return append(append(make([]byte, 0, 64), initiator[:]...), responder[:]...)
}

type dhPair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func derive(pairs []dhPair) ([]byte, error) {
	// 32 0xFF bytes precede the transcript so it can never collide with a
	// plain DH output.
	transcript := bytes.Repeat([]byte{0xff}, 32)
	for _, p := range pairs {
		out, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			memzero.Zero(transcript)
			return nil, errors.Wrap(err, "x3dh dh")
		}
		transcript = append(transcript, out[:]...)
		memzero.Zero(out[:])
	}
	root, err := crypto.HKDF(transcript, make([]byte, 32), x3dhInfo, 32)
	memzero.Zero(transcript)
	return root, err
}
