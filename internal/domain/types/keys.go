package types

import (
	"encoding/base64"

	"github.com/pkg/errors"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is all zeroes.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// MarshalText encodes the key as base64 for JSON transport.
func (p X25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]) }

// UnmarshalText decodes a base64 key.
func (p *X25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is all zeroes.
func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

// MarshalText encodes the key as base64 for JSON transport.
func (p Ed25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]) }

// UnmarshalText decodes a base64 key.
func (p *Ed25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b) }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

func marshalKey(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out, nil
}

func unmarshalKey(dst, text []byte) error {
	if len(text) == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return errors.Wrap(err, "decode key")
	}
	if len(raw) != len(dst) {
		return errors.Errorf("key must be %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
