package types

import "time"

// MessageType distinguishes the first messages of a pairwise session, which
// carry the X3DH parameters, from ordinary ratchet messages.
type MessageType uint8

const (
	MessageTypePreKey MessageType = 0
	MessageTypeNormal MessageType = 1
)

// PreKeyMessage carries what a responder needs to derive the X3DH secret.
// A OneTimePrekeyID of zero means no one-time prekey was used.
type PreKeyMessage struct {
	InitiatorIdentityKey X25519Public `json:"initiator_identity_key"`
	EphemeralKey         X25519Public `json:"ephemeral_key"`
	SignedPrekeyID       uint32       `json:"signed_prekey_id"`
	OneTimePrekeyID      uint32       `json:"one_time_prekey_id,omitempty"`
}

// PairwiseMessage is an encrypted device-to-device message. Body holds the
// ratchet header followed by the AEAD ciphertext.
type PairwiseMessage struct {
	Type   MessageType    `json:"type"`
	PreKey *PreKeyMessage `json:"prekey,omitempty"`
	Body   []byte         `json:"body"`
}

// GroupMessage is a conversation message encrypted under a group session
// and signed by the session's signing key.
type GroupMessage struct {
	SessionID    SessionID     `json:"session_id"`
	SenderDevice DeviceAddress `json:"sender_device"`
	Index        uint32        `json:"index"`
	Ciphertext   []byte        `json:"ciphertext"`
	Signature    []byte        `json:"signature"`
}

// EnvelopeKind tells a receiver how to interpret an envelope payload.
type EnvelopeKind string

const (
	EnvelopePairwise EnvelopeKind = "pairwise"
	EnvelopeGroup    EnvelopeKind = "group"
)

// Envelope is what the broker mailbox stores and delivers.
type Envelope struct {
	ID             string         `json:"id"`
	From           DeviceAddress  `json:"from"`
	To             DeviceAddress  `json:"to"`
	Kind           EnvelopeKind   `json:"kind"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	Payload        []byte         `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
}

// DecryptedMessage is the plaintext form of a received envelope.
type DecryptedMessage struct {
	EnvelopeID     string         `json:"envelope_id"`
	From           DeviceAddress  `json:"from"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	Plaintext      []byte         `json:"plaintext"`
	Timestamp      time.Time      `json:"timestamp"`
}
