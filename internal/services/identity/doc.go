// Package identity manages the local device account: identity and signing
// keys, the signed prekey, the one-time prekey pool and the user's master
// cross-signing key.
//
// It publishes public material to the broker with retry, keeps the pool
// above a threshold, and detects when the broker holds a different identity
// for this device id.
package identity
