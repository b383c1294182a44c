package engine

import (
	"github.com/pkg/errors"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/protocol/ratchet"
	"cipherdm/internal/protocol/x3dh"
	"cipherdm/internal/util/memzero"
)

// ErrNotPreKeyMessage is returned when an inbound session is requested for
// a message that carries no X3DH parameters.
var ErrNotPreKeyMessage = errors.New("engine: not a prekey message")

type olmSession struct {
	Ratchet         ratchet.State         `json:"ratchet"`
	PeerIdentityKey domain.X25519Public   `json:"peer_identity_key"`
	BaseKey         domain.X25519Public   `json:"base_key"`
	PreKey          *domain.PreKeyMessage `json:"prekey,omitempty"`
	Received        bool                  `json:"received"`
}

// VerifyDeviceKeys checks the signed prekey signature of a published device.
func (e *Engine) VerifyDeviceKeys(d domain.DeviceIdentity) error {
	if !x3dh.VerifySignedPrekey(d.SigningKey, d.SignedPrekey) {
		return errors.Wrapf(domain.ErrInvalidPrekeySignature, "device %s", d.Address())
	}
	return nil
}

// NewOutboundSession runs X3DH as initiator against peer. otk may be nil
// when the peer has no one-time prekeys left.
func (e *Engine) NewOutboundSession(accountPickle []byte, peer domain.DeviceIdentity, otk *domain.OneTimePrekey) ([]byte, error) {
	if err := e.VerifyDeviceKeys(peer); err != nil {
		return nil, err
	}
	acc, err := e.openAccount(accountPickle)
	if err != nil {
		return nil, err
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(ephPriv[:])

	pm := &domain.PreKeyMessage{
		InitiatorIdentityKey: acc.Identity.XPub,
		EphemeralKey:         ephPub,
		SignedPrekeyID:       peer.SignedPrekey.ID,
	}
	var opk *domain.X25519Public
	if otk != nil {
		opk = &otk.PublicKey
		pm.OneTimePrekeyID = otk.KeyID
	}

	root, err := x3dh.InitiatorRoot(acc.Identity, ephPriv, peer.IdentityKey, peer.SignedPrekey.PublicKey, opk)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(root)

	st, err := ratchet.InitAsInitiator(root, x3dh.AssociatedData(acc.Identity.XPub, peer.IdentityKey), peer.SignedPrekey.PublicKey)
	if err != nil {
		return nil, err
	}
	return e.seal(PickleSession, &olmSession{
		Ratchet:         st,
		PeerIdentityKey: peer.IdentityKey,
		BaseKey:         ephPub,
		PreKey:          pm,
	})
}

// NewInboundSession runs X3DH as responder for a prekey message, decrypts
// it and consumes the one-time key it names. It returns the updated account,
// the new session and the plaintext.
func (e *Engine) NewInboundSession(accountPickle []byte, msg domain.PairwiseMessage) (acctOut, sessOut, plaintext []byte, err error) {
	if msg.Type != domain.MessageTypePreKey || msg.PreKey == nil {
		return nil, nil, nil, ErrNotPreKeyMessage
	}
	pm := *msg.PreKey
	acc, err := e.openAccount(accountPickle)
	if err != nil {
		return nil, nil, nil, err
	}
	spk, ok := acc.SignedPrekeys[pm.SignedPrekeyID]
	if !ok {
		return nil, nil, nil, errors.Wrapf(ErrUnknownPrekey, "signed prekey %d", pm.SignedPrekeyID)
	}
	var opkPriv *domain.X25519Private
	if pm.OneTimePrekeyID != 0 {
		otk, ok := acc.OneTimeKeys[pm.OneTimePrekeyID]
		if !ok {
			return nil, nil, nil, errors.Wrapf(ErrUnknownPrekey, "one-time prekey %d", pm.OneTimePrekeyID)
		}
		opkPriv = &otk.Private
	}

	root, err := x3dh.ResponderRoot(acc.Identity, spk.Private, opkPriv, pm)
	if err != nil {
		return nil, nil, nil, err
	}
	defer memzero.Zero(root)

	st := ratchet.InitAsResponder(root, x3dh.AssociatedData(pm.InitiatorIdentityKey, acc.Identity.XPub), spk.Private, spk.Public)
	header, ct, err := ratchet.SplitMessage(msg.Body)
	if err != nil {
		return nil, nil, nil, err
	}
	plaintext, err = ratchet.Decrypt(&st, header, ct)
	if err != nil {
		return nil, nil, nil, err
	}

	delete(acc.OneTimeKeys, pm.OneTimePrekeyID)
	acctOut, err = e.seal(PickleAccount, acc)
	if err != nil {
		return nil, nil, nil, err
	}
	sessOut, err = e.seal(PickleSession, &olmSession{
		Ratchet:         st,
		PeerIdentityKey: pm.InitiatorIdentityKey,
		BaseKey:         pm.EphemeralKey,
		Received:        true,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return acctOut, sessOut, plaintext, nil
}

// MatchesInboundSession reports whether a prekey message belongs to the
// given session rather than a new one started by the peer.
func (e *Engine) MatchesInboundSession(sessionPickle []byte, msg domain.PairwiseMessage) (bool, error) {
	if msg.PreKey == nil {
		return true, nil
	}
	var s olmSession
	if err := e.open(PickleSession, sessionPickle, &s); err != nil {
		return false, err
	}
	return s.BaseKey == msg.PreKey.EphemeralKey, nil
}

// AwaitingReply reports whether the session was started here and the peer
// has not answered on it yet.
func (e *Engine) AwaitingReply(sessionPickle []byte) (bool, error) {
	var s olmSession
	if err := e.open(PickleSession, sessionPickle, &s); err != nil {
		return false, err
	}
	return !s.Received && s.PreKey != nil, nil
}

// SessionPeerIdentity returns the identity key of the session's peer.
func (e *Engine) SessionPeerIdentity(sessionPickle []byte) (domain.X25519Public, error) {
	var s olmSession
	if err := e.open(PickleSession, sessionPickle, &s); err != nil {
		return domain.X25519Public{}, err
	}
	return s.PeerIdentityKey, nil
}

// Encrypt seals plaintext in a pairwise session. Until the peer has replied
// every message carries the prekey header.
func (e *Engine) Encrypt(sessionPickle []byte, plaintext []byte) ([]byte, domain.PairwiseMessage, error) {
	var s olmSession
	if err := e.open(PickleSession, sessionPickle, &s); err != nil {
		return nil, domain.PairwiseMessage{}, err
	}
	header, ct, err := ratchet.Encrypt(&s.Ratchet, plaintext)
	if err != nil {
		return nil, domain.PairwiseMessage{}, err
	}
	msg := domain.PairwiseMessage{Type: domain.MessageTypeNormal, Body: append(header.Marshal(), ct...)}
	if !s.Received && s.PreKey != nil {
		pm := *s.PreKey
		msg.Type = domain.MessageTypePreKey
		msg.PreKey = &pm
	}
	out, err := e.seal(PickleSession, &s)
	if err != nil {
		return nil, domain.PairwiseMessage{}, err
	}
	return out, msg, nil
}

// Decrypt opens a pairwise message. On failure the input pickle remains
// the valid state.
func (e *Engine) Decrypt(sessionPickle []byte, msg domain.PairwiseMessage) ([]byte, []byte, error) {
	var s olmSession
	if err := e.open(PickleSession, sessionPickle, &s); err != nil {
		return nil, nil, err
	}
	header, ct, err := ratchet.SplitMessage(msg.Body)
	if err != nil {
		return nil, nil, err
	}
	pt, err := ratchet.Decrypt(&s.Ratchet, header, ct)
	if err != nil {
		return nil, nil, err
	}
	s.Received = true
	s.PreKey = nil
	out, err := e.seal(PickleSession, &s)
	if err != nil {
		return nil, nil, err
	}
	return out, pt, nil
}
