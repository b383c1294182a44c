package types

import "time"

// GroupKeyShare is a group session key encrypted for exactly one recipient
// device through a pairwise session. The broker keys it by
// (conversation, session, sender device, recipient user, recipient device).
type GroupKeyShare struct {
	ConversationID    ConversationID `json:"conversation_id"`
	SessionID         SessionID      `json:"session_id"`
	SenderUserID      UserID         `json:"sender_user_id"`
	SenderDeviceID    DeviceID       `json:"sender_device_id"`
	RecipientUserID   UserID         `json:"recipient_user_id"`
	RecipientDeviceID DeviceID       `json:"recipient_device_id"`
	Ciphertext        []byte         `json:"ciphertext"`
	ClaimedCount      int            `json:"claimed_count"`
	ForwardedCount    int            `json:"forwarded_count"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Sender returns the address of the sharing device.
func (s GroupKeyShare) Sender() DeviceAddress {
	return DeviceAddress{UserID: s.SenderUserID, DeviceID: s.SenderDeviceID}
}

// Recipient returns the address of the receiving device.
func (s GroupKeyShare) Recipient() DeviceAddress {
	return DeviceAddress{UserID: s.RecipientUserID, DeviceID: s.RecipientDeviceID}
}

// GroupKeySharePayload is the plaintext carried inside a key share.
// SenderDevice is the device that owns the outbound session, which differs
// from the share's sender when the share was forwarded.
type GroupKeySharePayload struct {
	ConversationID ConversationID `json:"conversation_id"`
	SessionID      SessionID      `json:"session_id"`
	SenderDevice   DeviceAddress  `json:"sender_device"`
	SessionKey     []byte         `json:"session_key"`
	Forwarded      bool           `json:"forwarded,omitempty"`
}
