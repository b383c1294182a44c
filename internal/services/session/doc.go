// Package session establishes and drives pairwise double-ratchet sessions,
// one per peer device.
//
// Outbound sessions are created from the peer's published keys and one
// claimed one-time prekey; inbound sessions are created from the X3DH
// parameters carried by the first messages.
package session
