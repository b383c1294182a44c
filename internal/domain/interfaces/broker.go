package interfaces

import (
	"context"
	"time"

	domaintypes "cipherdm/internal/domain/types"
)

// KeyDirectory is the broker's public key directory.
type KeyDirectory interface {
	PublishDeviceKeys(ctx context.Context, d domaintypes.DeviceIdentity) error
	FetchDeviceKeys(ctx context.Context, addr domaintypes.DeviceAddress) (domaintypes.DeviceIdentity, error)
	ListDevices(ctx context.Context, user domaintypes.UserID) ([]domaintypes.DeviceIdentity, error)
	DeleteDevice(ctx context.Context, addr domaintypes.DeviceAddress) error
	PublishOneTimePrekeys(ctx context.Context, addr domaintypes.DeviceAddress, keys []domaintypes.OneTimePrekey) error
	CountOneTimePrekeys(ctx context.Context, addr domaintypes.DeviceAddress) (int, error)
	ClaimOneTimePrekey(ctx context.Context, claimant, target domaintypes.DeviceAddress) (domaintypes.OneTimePrekey, error)
	PublishMasterKey(ctx context.Context, user domaintypes.UserID, key domaintypes.Ed25519Public) error
	FetchMasterKey(ctx context.Context, user domaintypes.UserID) (domaintypes.Ed25519Public, error)
	MarkDeviceVerified(ctx context.Context, addr domaintypes.DeviceAddress, method domaintypes.VerificationMethod, at time.Time) error
}

// GroupShareStore holds encrypted group key shares until recipients claim them.
type GroupShareStore interface {
	PutGroupKeyShare(ctx context.Context, s domaintypes.GroupKeyShare) error
	ListPendingGroupKeyShares(ctx context.Context, recipient domaintypes.DeviceAddress) ([]domaintypes.GroupKeyShare, error)
	MarkGroupKeyShareClaimed(ctx context.Context, s domaintypes.GroupKeyShare) error
	MarkGroupKeyShareForwarded(ctx context.Context, s domaintypes.GroupKeyShare) error
}

// BackupStore holds at most one backup per user.
type BackupStore interface {
	PutBackup(ctx context.Context, b domaintypes.BackupBlob) error
	GetBackup(ctx context.Context, user domaintypes.UserID) (domaintypes.BackupBlob, error)
}

// VerificationStore holds SAS transactions. UpdateVerification only applies
// when the stored status still equals expect.
type VerificationStore interface {
	CreateVerification(ctx context.Context, v domaintypes.Verification) error
	GetVerification(ctx context.Context, id domaintypes.TransactionID) (domaintypes.Verification, error)
	UpdateVerification(ctx context.Context, v domaintypes.Verification, expect domaintypes.VerificationStatus) error
}

// TrustStore holds user-to-user trust records.
type TrustStore interface {
	PutTrust(ctx context.Context, r domaintypes.TrustRecord) error
	ListTrust(ctx context.Context, truster domaintypes.UserID) ([]domaintypes.TrustRecord, error)
	DeleteTrust(ctx context.Context, truster, trusted domaintypes.UserID) error
}

// Membership answers who belongs to a conversation.
type Membership interface {
	SetConversationMembers(ctx context.Context, conv domaintypes.ConversationID, members []domaintypes.UserID) error
	ConversationMembers(ctx context.Context, conv domaintypes.ConversationID) ([]domaintypes.UserID, error)
}

// Mailbox stores envelopes until the recipient device acknowledges them.
type Mailbox interface {
	PostEnvelope(ctx context.Context, env domaintypes.Envelope) error
	FetchEnvelopes(ctx context.Context, to domaintypes.DeviceAddress, limit int) ([]domaintypes.Envelope, error)
	AckEnvelopes(ctx context.Context, to domaintypes.DeviceAddress, ids []string) error
}

// Broker is everything the client needs from the server side.
type Broker interface {
	KeyDirectory
	GroupShareStore
	BackupStore
	VerificationStore
	TrustStore
	Membership
	Mailbox
}
