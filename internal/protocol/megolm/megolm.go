package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/util/memzero"
)

const (
	chainKeySize = 32
	maxAdvance   = 10000
	maxSkipped   = 5000
)

var (
	ErrIndexTooOld     = errors.New("megolm: index precedes first known index")
	ErrReplay          = errors.New("megolm: index already consumed")
	ErrBadSignature    = errors.New("megolm: bad signature")
	ErrDecrypt         = errors.New("megolm: message authentication failed")
	ErrTooFarAhead     = errors.New("megolm: index too far ahead")
	ErrSessionMismatch = errors.New("megolm: message belongs to another session")
)

var messageKeyInfo = []byte("cipherdm-megolm-message")

// Message is one encrypted group message before the caller attaches
// sender routing information.
type Message struct {
	SessionID  string
	Index      uint32
	Ciphertext []byte
	Signature  []byte
}

// SessionKey is what a sender shares so others can decrypt from Index on.
type SessionKey struct {
	SessionID  string               `json:"session_id"`
	Index      uint32               `json:"index"`
	ChainKey   []byte               `json:"chain_key"`
	SigningKey domain.Ed25519Public `json:"signing_key"`
}

// Outbound is the sending side of a group session.
type Outbound struct {
	SessionID  string                `json:"session_id"`
	Index      uint32                `json:"index"`
	ChainKey   []byte                `json:"chain_key"`
	SigningKey domain.Ed25519Private `json:"signing_key"`
	SigningPub domain.Ed25519Public  `json:"signing_pub"`
}

// NewOutbound creates a session with a random chain key at index 0. The
// session id is derived from the signing public key.
func NewOutbound() (*Outbound, error) {
	ck := make([]byte, chainKeySize)
	if _, err := rand.Read(ck); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &Outbound{
		SessionID:  base64.RawURLEncoding.EncodeToString(pub[:]),
		ChainKey:   ck,
		SigningKey: priv,
		SigningPub: pub,
	}, nil
}

// Key exports the session at its current index.
func (o *Outbound) Key() SessionKey {
	return SessionKey{
		SessionID:  o.SessionID,
		Index:      o.Index,
		ChainKey:   append([]byte(nil), o.ChainKey...),
		SigningKey: o.SigningPub,
	}
}

// Encrypt seals plaintext at the current index and advances the chain.
// ad is authenticated and signed but not transmitted.
func (o *Outbound) Encrypt(ad, plaintext []byte) (Message, error) {
	next, mk := step(o.ChainKey)
	ct, err := seal(mk, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return Message{}, err
	}
	m := Message{SessionID: o.SessionID, Index: o.Index, Ciphertext: ct}
	m.Signature = crypto.SignEd25519(o.SigningKey, signedBytes(m.SessionID, m.Index, ad, ct))

	memzero.Zero(o.ChainKey)
	o.ChainKey = next
	o.Index++
	return m, nil
}

// Inbound is the receiving side of a group session.
type Inbound struct {
	SessionID       string               `json:"session_id"`
	SigningKey      domain.Ed25519Public `json:"signing_key"`
	FirstKnownIndex uint32               `json:"first_known_index"`
	FirstChainKey   []byte               `json:"first_chain_key"`
	Index           uint32               `json:"index"`
	ChainKey        []byte               `json:"chain_key"`
	Skipped         map[uint32][]byte    `json:"skipped"`
}

// NewInbound creates a receiving session whose first known index is k.Index.
func NewInbound(k SessionKey) (*Inbound, error) {
	if len(k.ChainKey) != chainKeySize || k.SessionID == "" {
		return nil, errors.New("megolm: malformed session key")
	}
	return &Inbound{
		SessionID:       k.SessionID,
		SigningKey:      k.SigningKey,
		FirstKnownIndex: k.Index,
		FirstChainKey:   append([]byte(nil), k.ChainKey...),
		Index:           k.Index,
		ChainKey:        append([]byte(nil), k.ChainKey...),
		Skipped:         make(map[uint32][]byte),
	}, nil
}

// Key exports the session from its first known index, for forwarding.
func (in *Inbound) Key() SessionKey {
	return SessionKey{
		SessionID:  in.SessionID,
		Index:      in.FirstKnownIndex,
		ChainKey:   append([]byte(nil), in.FirstChainKey...),
		SigningKey: in.SigningKey,
	}
}

// Decrypt verifies and opens m. The session changes only when m
// authenticates; each index opens at most once.
func (in *Inbound) Decrypt(ad []byte, m Message) ([]byte, error) {
	if m.SessionID != in.SessionID {
		return nil, ErrSessionMismatch
	}
	if !crypto.VerifyEd25519(in.SigningKey, signedBytes(m.SessionID, m.Index, ad, m.Ciphertext), m.Signature) {
		return nil, ErrBadSignature
	}
	if m.Index < in.FirstKnownIndex {
		return nil, ErrIndexTooOld
	}

	skipped := make(map[uint32][]byte, len(in.Skipped))
	for k, v := range in.Skipped {
		skipped[k] = v
	}
	ck, idx := in.ChainKey, in.Index

	var mk []byte
	if m.Index < idx {
		k, ok := skipped[m.Index]
		if !ok {
			return nil, ErrReplay
		}
		mk = k
		delete(skipped, m.Index)
	} else {
		if m.Index-idx > maxAdvance {
			return nil, ErrTooFarAhead
		}
		for idx < m.Index {
			var k []byte
			ck, k = step(ck)
			skipped[idx] = k
			idx++
		}
		ck, mk = step(ck)
		idx++
		trimSkipped(skipped)
	}

	pt, err := open(mk, ad, m.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	memzero.Zero(mk)
	in.ChainKey, in.Index, in.Skipped = ck, idx, skipped
	return pt, nil
}

// step returns the next chain key and the message key for the current index.
func step(ck []byte) (next, mk []byte) {
	h := hmac.New(sha256.New, ck)
	h.Write([]byte{0x01})
	mk = h.Sum(nil)
	h = hmac.New(sha256.New, ck)
	h.Write([]byte{0x02})
	next = h.Sum(nil)
	return next, mk
}

func trimSkipped(skipped map[uint32][]byte) {
	if len(skipped) <= maxSkipped {
		return
	}
	idx := make([]uint32, 0, len(skipped))
	for k := range skipped {
		idx = append(idx, k)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	for _, k := range idx[:len(idx)-maxSkipped] {
		delete(skipped, k)
	}
}

func seal(mk, ad, plaintext []byte) ([]byte, error) {
	key, nonce, err := expand(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(mk, ad, ciphertext []byte) ([]byte, error) {
	key, nonce, err := expand(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

func expand(mk []byte) (key, nonce []byte, err error) {
	out, err := crypto.HKDF(mk, nil, messageKeyInfo, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}

func signedBytes(sessionID string, index uint32, ad, ct []byte) []byte {
	out := make([]byte, 0, 12+len(sessionID)+len(ad)+len(ct))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sessionID)))
	out = append(out, sessionID...)
	out = binary.BigEndian.AppendUint32(out, index)
	out = binary.BigEndian.AppendUint32(out, uint32(len(ad)))
	out = append(out, ad...)
	return append(out, ct...)
}
