package crypto

import (
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeyBytes is the size of every symmetric key derived here.
	KeyBytes = 32
	// SaltBytes is the size of random salts.
	SaltBytes = 16
)

// HKDF expands secret into n bytes with HKDF-SHA256.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, errors.Wrap(err, "hkdf")
	}
	return out, nil
}

// Argon2Params configures Argon2id. Iterations is the time cost.
type Argon2Params struct {
	Iterations uint32
	MemoryKiB  uint32
	Threads    uint8
}

// DefaultArgon2Params are the backup defaults.
var DefaultArgon2Params = Argon2Params{Iterations: 3, MemoryKiB: 64 * 1024, Threads: 2}

// Validate rejects parameters Argon2id cannot run with.
func (p Argon2Params) Validate() error {
	if p.Iterations == 0 || p.Threads == 0 || p.MemoryKiB < 8*uint32(p.Threads) {
		return errors.Errorf("invalid argon2id parameters t=%d m=%d p=%d", p.Iterations, p.MemoryKiB, p.Threads)
	}
	return nil
}

// DeriveArgon2id derives a 32-byte key from password and salt.
func DeriveArgon2id(password []byte, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.MemoryKiB, p.Threads, KeyBytes)
}

// DerivePickleKey derives the at-rest pickle key from a local passphrase
// and the per-profile salt.
func DerivePickleKey(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) < SaltBytes {
		return nil, errors.New("pickle salt too short")
	}
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, KeyBytes)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt")
	}
	return key, nil
}
