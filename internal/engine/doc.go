// Package engine is the only place private keys are used.
//
// An Engine is created once per client and passed to every service. It is
// unusable until Init installs the pickle key, and Teardown removes it
// again. All state leaves the engine as pickles: CBOR encodings sealed
// with ChaCha20-Poly1305 under the pickle key, with the pickle kind as
// associated data. Every operation takes the current pickle and returns
// the next one, so a failed operation never touches stored state.
//
// # Contents
//
//   - Accounts: identity, signing key, signed prekeys, one-time keys and
//     the optional master cross-signing key.
//   - Pairwise sessions: X3DH followed by the Double Ratchet.
//   - Group sessions: outbound and inbound sender-key ratchets.
//   - Raw export and import of pickles for backups.
package engine
