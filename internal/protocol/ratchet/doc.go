// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH.
//
// The initiator uses the responder's signed prekey as the responder's first
// ratchet key, so the responder can only send after it has received.
//
// Decrypt works on a copy of the state and commits only on success; a forged
// or corrupted message leaves the session untouched.
//
// Concurrency: State is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
