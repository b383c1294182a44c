package ratchet

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/util/memzero"
)

const (
	// HeaderSize is the encoded size of a Header.
	HeaderSize = 32 + 4 + 4

	nonceSize    = chacha20poly1305.NonceSize
	maxSkip      = 1000
	maxSkippedMK = 2000
)

var (
	ErrDuplicateMessage = errors.New("ratchet: message already received")
	ErrDecrypt          = errors.New("ratchet: message authentication failed")
	ErrTooManySkipped   = errors.New("ratchet: too many skipped messages")
	ErrShortMessage     = errors.New("ratchet: message shorter than header")

	errChainUninitialised = errors.New("ratchet: chain key is uninitialised")
)

// Header travels in clear in front of every ciphertext.
type Header struct {
	DH domain.X25519Public
	PN uint32
	N  uint32
}

// Marshal encodes the header as DH || PN || N.
func (h Header) Marshal() []byte {
	out := make([]byte, 0, HeaderSize)
	out = append(out, h.DH[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	return binary.BigEndian.AppendUint32(out, h.N)
}

// SplitMessage separates an encoded header from the ciphertext that follows.
func SplitMessage(body []byte) (Header, []byte, error) {
	var h Header
	if len(body) < HeaderSize {
		return h, nil, ErrShortMessage
	}
	copy(h.DH[:], body[:32])
	h.PN = binary.BigEndian.Uint32(body[32:36])
	h.N = binary.BigEndian.Uint32(body[36:40])
	return h, body[HeaderSize:], nil
}

// State is the Double Ratchet state of one side of a session. It is
// serialised into the session pickle and never leaves the engine.
type State struct {
	RootKey   []byte               `json:"rk"`
	DHPriv    domain.X25519Private `json:"dh_priv"`
	DHPub     domain.X25519Public  `json:"dh_pub"`
	PeerDHPub domain.X25519Public  `json:"peer_dh_pub"`
	SendCK    []byte               `json:"send_ck"`
	RecvCK    []byte               `json:"recv_ck"`
	Ns        uint32               `json:"ns"`
	Nr        uint32               `json:"nr"`
	PN        uint32               `json:"pn"`
	Skipped   map[string][]byte    `json:"skipped"`
	AD        []byte               `json:"ad"`
}

// InitAsInitiator seeds the sending chain from root using a fresh ratchet
// key and the responder's signed prekey as its first ratchet key.
func InitAsInitiator(root, ad []byte, peerRatchet domain.X25519Public) (State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return State{}, err
	}
	dh, err := crypto.DH(priv, peerRatchet)
	if err != nil {
		return State{}, errors.Wrap(err, "ratchet dh")
	}
	rk, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return State{
		RootKey:   rk,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerRatchet,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
		AD:        append([]byte(nil), ad...),
	}, nil
}

// InitAsResponder seeds a state that can only receive until the initiator's
// first ratchet key arrives. ourPriv/ourPub is the signed prekey pair.
func InitAsResponder(root, ad []byte, ourPriv domain.X25519Private, ourPub domain.X25519Public) State {
	return State{
		RootKey: append([]byte(nil), root...),
		DHPriv:  ourPriv,
		DHPub:   ourPub,
		Skipped: make(map[string][]byte),
		AD:      append([]byte(nil), ad...),
	}
}

// Clone returns a deep copy of st.
func (st *State) Clone() State {
	out := *st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendCK = append([]byte(nil), st.SendCK...)
	out.RecvCK = append([]byte(nil), st.RecvCK...)
	out.AD = append([]byte(nil), st.AD...)
	out.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		out.Skipped[k] = append([]byte(nil), v...)
	}
	return out
}

// Encrypt produces a header and ciphertext and advances the sending chain.
func Encrypt(st *State, plaintext []byte) (Header, []byte, error) {
	if len(st.SendCK) == 0 {
		return Header{}, nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	h := Header{DH: st.DHPub, PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, st.AD, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return Header{}, nil, err
	}
	st.SendCK = nextCK
	st.Ns++
	return h, ct, nil
}

// Decrypt opens a message. All work happens on a copy of st which replaces
// st only when the message authenticates.
func Decrypt(st *State, header Header, ciphertext []byte) ([]byte, error) {
	work := st.Clone()

	id := skippedKeyID(header.DH, header.N)
	if mk, ok := work.Skipped[id]; ok {
		delete(work.Skipped, id)
		pt, err := open(mk, header, work.AD, ciphertext)
		memzero.Zero(mk)
		if err != nil {
			return nil, ErrDecrypt
		}
		*st = work
		return pt, nil
	}

	if header.DH != work.PeerDHPub {
		if len(work.RecvCK) > 0 {
			if err := work.skipUntil(header.PN); err != nil {
				return nil, err
			}
		}
		if err := work.dhRatchet(header.DH); err != nil {
			return nil, err
		}
	} else if header.N < work.Nr {
		return nil, ErrDuplicateMessage
	}

	if err := work.skipUntil(header.N); err != nil {
		return nil, err
	}
	if len(work.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(work.RecvCK)
	pt, err := open(mk, header, work.AD, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, ErrDecrypt
	}
	work.RecvCK = nextCK
	work.Nr++
	*st = work
	return pt, nil
}

// dhRatchet derives a new receiving chain from the peer's new ratchet key
// and immediately a new sending chain from a fresh key pair.
func (st *State) dhRatchet(peer domain.X25519Public) error {
	dh, err := crypto.DH(st.DHPriv, peer)
	if err != nil {
		return errors.Wrap(err, "ratchet dh")
	}
	rk, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, peer)
	if err != nil {
		return errors.Wrap(err, "ratchet dh")
	}
	rk2, sendCK := kdfRK(rk, dh2[:])
	memzero.Zero(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk2
	st.DHPriv, st.DHPub = newPriv, newPub
	st.PeerDHPub = peer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

// skipUntil derives and stores receiving keys up to n with a hard cap.
func (st *State) skipUntil(n uint32) error {
	if n <= st.Nr {
		return nil
	}
	if n-st.Nr > maxSkip {
		return ErrTooManySkipped
	}
	if len(st.RecvCK) == 0 {
		return errChainUninitialised
	}
	for st.Nr < n {
		nextCK, mk := kdfCK(st.RecvCK)
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.RecvCK = nextCK
		st.Nr++
	}
	return nil
}

// --- helpers ---

func seal(mk []byte, header Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce(header.N), plaintext, associated(ad, header)), nil
}

func open(mk []byte, header Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce(header.N), ciphertext, associated(ad, header))
}

func nonce(n uint32) []byte {
	out := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(out[nonceSize-4:], n)
	return out
}

func associated(ad []byte, h Header) []byte {
	return append(append(make([]byte, 0, len(ad)+HeaderSize), ad...), h.Marshal()...)
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	out, _ := crypto.HKDF(dh, rk, []byte("DR|rk"), 64)
	return out[:32], out[32:]
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	out, _ := crypto.HKDF(ck, nil, []byte("DR|ck"), 64)
	return out[:32], out[32:]
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}
