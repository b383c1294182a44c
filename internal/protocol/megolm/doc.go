// Package megolm implements the sender-key hash ratchet used for group
// conversations.
//
// A sender owns an Outbound session: a 32-byte chain key advanced by HMAC
// once per message, and an Ed25519 key that signs every message. Receivers
// hold an Inbound session created from a SessionKey, which is the chain key
// at some index plus the signing public key. An inbound session can decrypt
// that index and every later one, never an earlier one.
//
// Message keys for indices skipped over are kept until used so that
// out-of-order delivery works, and each index decrypts at most once.
package megolm
