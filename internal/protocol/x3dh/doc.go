// Package x3dh implements the X3DH key agreement used to bootstrap a
// pairwise Double Ratchet session between two devices.
//
// # Overview
//
// A responder publishes its identity key, a signed prekey and a pool of
// one-time prekeys to the broker. An initiator verifies the signed prekey,
// claims one one-time prekey if any remain, and derives a 32-byte root key.
//
// # Flows
//
// Initiator:
//  1. Verify the signed prekey signature (VerifySignedPrekey).
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF over the concatenated DH transcript to produce the root key.
//
// Responder:
//  1. Receive the PreKeyMessage (initiator IK, ephemeral EK, SPK id[, OPK id]).
//  2. Look up the SPK and optionally consume the OPK.
//  3. Compute the symmetric DH set (SPKb·IKa, IKb·EKa, SPKb·EKa[, OPKb·EKa]).
//  4. HKDF the same transcript to the identical root key.
//
// # Security notes
//
// Only public material is sent over the wire. One-time prekeys, when present,
// mix a value into the handshake that is deleted after first use.
package x3dh
