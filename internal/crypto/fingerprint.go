package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"cipherdm/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// DeviceFingerprint renders the identity and signing keys of a device as
// grouped hex for manual comparison.
func DeviceFingerprint(d domain.DeviceIdentity) domain.Fingerprint {
	buf := make([]byte, 0, 64)
	buf = append(buf, d.IdentityKey[:]...)
	buf = append(buf, d.SigningKey[:]...)
	fp := Fingerprint(buf)
	groups := make([]string, 0, len(fp)/4)
	for i := 0; i < len(fp); i += 4 {
		groups = append(groups, fp[i:i+4])
	}
	return domain.Fingerprint(strings.Join(groups, " "))
}
