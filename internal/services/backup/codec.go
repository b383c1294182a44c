package backup

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/util/memzero"
)

func additionalData(user domain.UserID, version int) []byte {
	return append([]byte{byte(version)}, user...)
}

// Seal encrypts payload for user under a key derived from password with
// Argon2id. Salt and nonce are fresh for every call.
func Seal(user domain.UserID, payload, password []byte, p crypto.Argon2Params) (domain.BackupBlob, error) {
	if err := p.Validate(); err != nil {
		return domain.BackupBlob{}, err
	}
	salt := make([]byte, crypto.SaltBytes)
	iv := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return domain.BackupBlob{}, errors.Wrap(err, "salt")
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return domain.BackupBlob{}, errors.Wrap(err, "nonce")
	}

	key := crypto.DeriveArgon2id(password, salt, p)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.BackupBlob{}, errors.Wrap(err, "aead")
	}
	sealed := aead.Seal(nil, iv, payload, additionalData(user, domain.BackupFormatVersion))
	n := len(sealed) - aead.Overhead()
	return domain.BackupBlob{
		UserID:           user,
		EncryptedPayload: sealed[:n],
		AuthTag:          sealed[n:],
		IV:               iv,
		Salt:             salt,
		KDF:              domain.BackupKDFArgon2id,
		KDFIterations:    p.Iterations,
		KDFMemoryKiB:     p.MemoryKiB,
		KDFThreads:       p.Threads,
		FormatVersion:    domain.BackupFormatVersion,
	}, nil
}

// Open decrypts b with password. A wrong password and a tampered blob
// both yield ErrBackupDecryptionFailed.
func Open(b domain.BackupBlob, password []byte) ([]byte, error) {
	if b.FormatVersion != domain.BackupFormatVersion || b.KDF != domain.BackupKDFArgon2id {
		return nil, errors.Wrapf(domain.ErrUnsupportedBackup, "format %d, kdf %q", b.FormatVersion, b.KDF)
	}
	p := crypto.Argon2Params{Iterations: b.KDFIterations, MemoryKiB: b.KDFMemoryKiB, Threads: b.KDFThreads}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(domain.ErrUnsupportedBackup, err.Error())
	}
	if len(b.IV) != chacha20poly1305.NonceSize || len(b.AuthTag) != chacha20poly1305.Overhead {
		return nil, errors.Wrap(domain.ErrBackupDecryptionFailed, "malformed nonce or tag")
	}

	key := crypto.DeriveArgon2id(password, b.Salt, p)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "aead")
	}
	sealed := make([]byte, 0, len(b.EncryptedPayload)+len(b.AuthTag))
	sealed = append(append(sealed, b.EncryptedPayload...), b.AuthTag...)
	pt, err := aead.Open(nil, b.IV, sealed, additionalData(b.UserID, b.FormatVersion))
	if err != nil {
		return nil, errors.Wrap(domain.ErrBackupDecryptionFailed, "wrong password or corrupted backup")
	}
	return pt, nil
}
