package interfaces

import domaintypes "cipherdm/internal/domain/types"

// ProfileStore persists which device id and pickle salt belong to a
// (broker, user) pair on this installation.
type ProfileStore interface {
	SaveProfile(p domaintypes.Profile) error
	LoadProfile(brokerURL string, user domaintypes.UserID) (domaintypes.Profile, bool, error)
}

// AccountStore persists the sealed account pickle.
type AccountStore interface {
	LoadAccount() ([]byte, bool, error)
	SaveAccount(pickle []byte) error
}

// SessionStore persists pairwise sessions keyed by peer device.
type SessionStore interface {
	LoadSession(peer domaintypes.DeviceAddress) (domaintypes.SessionRecord, bool, error)
	SaveSession(rec domaintypes.SessionRecord) error
	ListSessions() ([]domaintypes.SessionRecord, error)
}

// GroupSessionStore persists outbound and inbound group sessions.
type GroupSessionStore interface {
	LoadOutboundGroupSession(conv domaintypes.ConversationID) (domaintypes.OutboundGroupRecord, bool, error)
	SaveOutboundGroupSession(rec domaintypes.OutboundGroupRecord) error
	DeleteOutboundGroupSession(conv domaintypes.ConversationID) error
	LoadInboundGroupSession(conv domaintypes.ConversationID, id domaintypes.SessionID) (domaintypes.InboundGroupRecord, bool, error)
	SaveInboundGroupSession(rec domaintypes.InboundGroupRecord) error
	ListInboundGroupSessions(conv domaintypes.ConversationID) ([]domaintypes.InboundGroupRecord, error)
}

// DeviceStore caches peer device identities and their local verification
// state.
type DeviceStore interface {
	LoadDevice(addr domaintypes.DeviceAddress) (domaintypes.DeviceIdentity, bool, error)
	SaveDevice(d domaintypes.DeviceIdentity) error
}

// SnapshotStore exports and replaces the whole device store at once.
type SnapshotStore interface {
	Export() (domaintypes.Snapshot, error)
	Import(s domaintypes.Snapshot) error
	Wipe() error
}
