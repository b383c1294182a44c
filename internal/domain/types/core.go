package types

// UserID identifies an account on the broker.
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// DeviceID identifies one device of a user. It is stable across key
// regeneration on the same installation.
type DeviceID string

// String returns the string form of the device identifier.
func (d DeviceID) String() string { return string(d) }

// ConversationID identifies a group conversation.
type ConversationID string

// String returns the string form of the conversation identifier.
func (id ConversationID) String() string { return string(id) }

// SessionID identifies a group session. It is opaque and generated by the
// session creator.
type SessionID string

// String returns the string form of the session identifier.
func (id SessionID) String() string { return string(id) }

// TransactionID identifies a SAS verification transaction.
type TransactionID string

// String returns the string form of the transaction identifier.
func (id TransactionID) String() string { return string(id) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// DeviceAddress names a single device of a single user.
type DeviceAddress struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
}

// String renders the address as "user/device".
func (a DeviceAddress) String() string {
	return string(a.UserID) + "/" + string(a.DeviceID)
}

// IsZero reports whether the address is unset.
func (a DeviceAddress) IsZero() bool { return a.UserID == "" && a.DeviceID == "" }

// Status is the lifecycle state of the local crypto client.
type Status string

const (
	StatusUninitialized  Status = "uninitialized"
	StatusLoading        Status = "loading"
	StatusGenerating     Status = "generating"
	StatusNeedsSetup     Status = "needs-setup"
	StatusReady          Status = "ready"
	StatusDeviceMismatch Status = "device-mismatch"
	StatusError          Status = "error"
)
