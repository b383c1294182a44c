package engine

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"cipherdm/internal/domain"
	"cipherdm/internal/protocol/megolm"
)

type outboundGroup struct {
	Session megolm.Outbound `json:"session"`
}

type inboundGroup struct {
	Session megolm.Inbound `json:"session"`
}

// InboundGroupInfo describes an inbound group session.
type InboundGroupInfo struct {
	SessionID       domain.SessionID
	FirstKnownIndex uint32
}

// GroupAD is the associated data that binds a group message to its
// conversation and sender.
func GroupAD(conv domain.ConversationID, sender domain.DeviceAddress) []byte {
	return []byte(string(conv) + "\x00" + sender.String())
}

// NewOutboundGroupSession creates a group session at index 0.
func (e *Engine) NewOutboundGroupSession() ([]byte, domain.SessionID, error) {
	out, err := megolm.NewOutbound()
	if err != nil {
		return nil, "", err
	}
	p, err := e.seal(PickleOutboundGroup, &outboundGroup{Session: *out})
	return p, domain.SessionID(out.SessionID), err
}

// GroupEncrypt encrypts at the session's current index and advances it.
func (e *Engine) GroupEncrypt(pickle []byte, ad, plaintext []byte) ([]byte, megolm.Message, error) {
	var g outboundGroup
	if err := e.open(PickleOutboundGroup, pickle, &g); err != nil {
		return nil, megolm.Message{}, err
	}
	m, err := g.Session.Encrypt(ad, plaintext)
	if err != nil {
		return nil, megolm.Message{}, err
	}
	out, err := e.seal(PickleOutboundGroup, &g)
	return out, m, err
}

// OutboundGroupKey exports the session key at the current index.
func (e *Engine) OutboundGroupKey(pickle []byte) ([]byte, uint32, error) {
	var g outboundGroup
	if err := e.open(PickleOutboundGroup, pickle, &g); err != nil {
		return nil, 0, err
	}
	k := g.Session.Key()
	raw, err := encMode.Marshal(k)
	return raw, k.Index, err
}

// NewInboundGroupSession imports a session key.
func (e *Engine) NewInboundGroupSession(key []byte) ([]byte, InboundGroupInfo, error) {
	var k megolm.SessionKey
	if err := cbor.Unmarshal(key, &k); err != nil {
		return nil, InboundGroupInfo{}, errors.Wrap(err, "decode session key")
	}
	in, err := megolm.NewInbound(k)
	if err != nil {
		return nil, InboundGroupInfo{}, err
	}
	p, err := e.seal(PickleInboundGroup, &inboundGroup{Session: *in})
	return p, InboundGroupInfo{SessionID: domain.SessionID(in.SessionID), FirstKnownIndex: in.FirstKnownIndex}, err
}

// InboundGroupKey exports an inbound session from its first known index.
func (e *Engine) InboundGroupKey(pickle []byte) ([]byte, uint32, error) {
	var g inboundGroup
	if err := e.open(PickleInboundGroup, pickle, &g); err != nil {
		return nil, 0, err
	}
	k := g.Session.Key()
	raw, err := encMode.Marshal(k)
	return raw, k.Index, err
}

// GroupDecrypt opens a group message. On failure the input pickle remains
// the valid state.
func (e *Engine) GroupDecrypt(pickle []byte, ad []byte, msg domain.GroupMessage) ([]byte, []byte, error) {
	var g inboundGroup
	if err := e.open(PickleInboundGroup, pickle, &g); err != nil {
		return nil, nil, err
	}
	pt, err := g.Session.Decrypt(ad, megolm.Message{
		SessionID:  string(msg.SessionID),
		Index:      msg.Index,
		Ciphertext: msg.Ciphertext,
		Signature:  msg.Signature,
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := e.seal(PickleInboundGroup, &g)
	if err != nil {
		return nil, nil, err
	}
	return out, pt, nil
}
