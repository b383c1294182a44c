// Package crypto exposes the primitives shared by the protocol packages.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Key derivation: HKDF-SHA256, Argon2id for backups and scrypt for the
//     at-rest pickle key
//   - Canonical byte strings for signed prekeys and cross-signing
//   - Short public-key fingerprints for display and logging
//
// # Notes
//
// Keys are fixed-size array types defined in internal/domain. Callers treat
// returned secrets as sensitive and wipe them with util/memzero when done.
package crypto
