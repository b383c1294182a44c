// Package backup encrypts the local crypto state under a password and
// stores it on the broker.
//
// The payload is the CBOR encoding of every pickle opened to its raw form.
// The key comes from Argon2id and the cipher is ChaCha20-Poly1305, with
// the tag stored apart from the ciphertext.
package backup
