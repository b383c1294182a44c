package types

import "time"

// SessionRecord is a persisted pairwise session with one peer device. The
// pickle is sealed by the engine and is opaque to everything else.
type SessionRecord struct {
	PeerUserID   UserID    `json:"peer_user_id"`
	PeerDeviceID DeviceID  `json:"peer_device_id"`
	Pickle       []byte    `json:"pickle"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Peer returns the address of the remote device.
func (r SessionRecord) Peer() DeviceAddress {
	return DeviceAddress{UserID: r.PeerUserID, DeviceID: r.PeerDeviceID}
}

// OutboundGroupRecord is the local device's sending session for one
// conversation. At most one exists per conversation.
type OutboundGroupRecord struct {
	ConversationID ConversationID  `json:"conversation_id"`
	SessionID      SessionID       `json:"session_id"`
	Pickle         []byte          `json:"pickle"`
	MessageCount   uint32          `json:"message_count"`
	CreatedAt      time.Time       `json:"created_at"`
	SharedWith     []DeviceAddress `json:"shared_with"`
	NeedsRotation  bool            `json:"needs_rotation"`
	PendingShare   bool            `json:"pending_share"`
}

// HasShared reports whether the session key was delivered to addr.
func (r OutboundGroupRecord) HasShared(addr DeviceAddress) bool {
	for _, a := range r.SharedWith {
		if a == addr {
			return true
		}
	}
	return false
}

// InboundGroupRecord is a receiving session for one sender's group session.
type InboundGroupRecord struct {
	ConversationID  ConversationID `json:"conversation_id"`
	SessionID       SessionID      `json:"session_id"`
	SenderUserID    UserID         `json:"sender_user_id"`
	SenderDeviceID  DeviceID       `json:"sender_device_id"`
	FirstKnownIndex uint32         `json:"first_known_index"`
	Pickle          []byte         `json:"pickle"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// Sender returns the address of the device that created the session.
func (r InboundGroupRecord) Sender() DeviceAddress {
	return DeviceAddress{UserID: r.SenderUserID, DeviceID: r.SenderDeviceID}
}

// Snapshot is the full content of a device store. Pickles stay sealed.
type Snapshot struct {
	Account  []byte                `json:"account"`
	Sessions []SessionRecord       `json:"sessions"`
	Outbound []OutboundGroupRecord `json:"outbound"`
	Inbound  []InboundGroupRecord  `json:"inbound"`
	Devices  []DeviceIdentity      `json:"devices"`
}
