package engine

import (
	"crypto/cipher"
	"crypto/rand"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherdm/internal/domain"
	"cipherdm/internal/util/memzero"
)

// PickleKind binds a pickle to the kind of state it holds, so one kind of
// pickle can never be opened as another.
type PickleKind string

const (
	PickleAccount       PickleKind = "account"
	PickleSession       PickleKind = "olm-session"
	PickleOutboundGroup PickleKind = "megolm-outbound"
	PickleInboundGroup  PickleKind = "megolm-inbound"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Engine owns every private key operation. It must be initialised with a
// pickle key before use and can be torn down and initialised again.
type Engine struct {
	mu   sync.RWMutex
	aead cipher.AEAD
	rand io.Reader
}

// New returns an uninitialised engine.
func New() *Engine {
	return &Engine{rand: rand.Reader}
}

// Init installs the pickle key. Calling Init on an initialised engine is a
// no-op.
func (e *Engine) Init(pickleKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aead != nil {
		return nil
	}
	if len(pickleKey) != chacha20poly1305.KeySize {
		return errors.Errorf("pickle key must be %d bytes, got %d", chacha20poly1305.KeySize, len(pickleKey))
	}
	aead, err := chacha20poly1305.New(pickleKey)
	if err != nil {
		return errors.Wrap(err, "init pickle cipher")
	}
	e.aead = aead
	jww.DEBUG.Printf("[ENGINE] initialised")
	return nil
}

// Teardown forgets the pickle key. Calling it twice is harmless.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aead != nil {
		jww.DEBUG.Printf("[ENGINE] torn down")
	}
	e.aead = nil
}

// Initialized reports whether Init has run since the last Teardown.
func (e *Engine) Initialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.aead != nil
}

func (e *Engine) cipher() (cipher.AEAD, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.aead == nil {
		return nil, domain.ErrEngineNotInitialized
	}
	return e.aead, nil
}

func (e *Engine) seal(kind PickleKind, v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", kind)
	}
	defer memzero.Zero(raw)
	return e.sealRaw(kind, raw)
}

func (e *Engine) sealRaw(kind PickleKind, raw []byte) ([]byte, error) {
	aead, err := e.cipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(raw)+aead.Overhead())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	return aead.Seal(nonce, nonce, raw, []byte(kind)), nil
}

func (e *Engine) open(kind PickleKind, pickle []byte, v any) error {
	raw, err := e.openRaw(kind, pickle)
	if err != nil {
		return err
	}
	defer memzero.Zero(raw)
	if err := cbor.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(domain.ErrCorruptPickle, "decode %s: %v", kind, err)
	}
	return nil
}

func (e *Engine) openRaw(kind PickleKind, pickle []byte) ([]byte, error) {
	aead, err := e.cipher()
	if err != nil {
		return nil, err
	}
	if len(pickle) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.Wrapf(domain.ErrCorruptPickle, "%s pickle too short", kind)
	}
	raw, err := aead.Open(nil, pickle[:aead.NonceSize()], pickle[aead.NonceSize():], []byte(kind))
	if err != nil {
		return nil, errors.Wrapf(domain.ErrCorruptPickle, "open %s", kind)
	}
	return raw, nil
}

// ExportPickle opens a pickle into its raw encoding for a backup.
func (e *Engine) ExportPickle(kind PickleKind, pickle []byte) ([]byte, error) {
	return e.openRaw(kind, pickle)
}

// ImportPickle validates a raw encoding from a backup and seals it under
// the current pickle key.
func (e *Engine) ImportPickle(kind PickleKind, raw []byte) ([]byte, error) {
	var probe any
	switch kind {
	case PickleAccount:
		probe = &account{}
	case PickleSession:
		probe = &olmSession{}
	case PickleOutboundGroup:
		probe = &outboundGroup{}
	case PickleInboundGroup:
		probe = &inboundGroup{}
	default:
		return nil, errors.Errorf("unknown pickle kind %q", kind)
	}
	if err := cbor.Unmarshal(raw, probe); err != nil {
		return nil, errors.Wrapf(domain.ErrCorruptPickle, "decode %s: %v", kind, err)
	}
	return e.sealRaw(kind, raw)
}
