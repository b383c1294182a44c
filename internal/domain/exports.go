package domain

import (
	interfaces "cipherdm/internal/domain/interfaces"
	types "cipherdm/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID               = types.UserID
	DeviceID             = types.DeviceID
	ConversationID       = types.ConversationID
	SessionID            = types.SessionID
	TransactionID        = types.TransactionID
	Fingerprint          = types.Fingerprint
	DeviceAddress        = types.DeviceAddress
	Status               = types.Status
	Identity             = types.Identity
	SignedPrekey         = types.SignedPrekey
	OneTimePrekey        = types.OneTimePrekey
	DeviceIdentity       = types.DeviceIdentity
	VerificationMethod   = types.VerificationMethod
	Profile              = types.Profile
	MessageType          = types.MessageType
	PreKeyMessage        = types.PreKeyMessage
	PairwiseMessage      = types.PairwiseMessage
	GroupMessage         = types.GroupMessage
	EnvelopeKind         = types.EnvelopeKind
	Envelope             = types.Envelope
	DecryptedMessage     = types.DecryptedMessage
	SessionRecord        = types.SessionRecord
	OutboundGroupRecord  = types.OutboundGroupRecord
	InboundGroupRecord   = types.InboundGroupRecord
	Snapshot             = types.Snapshot
	GroupKeyShare        = types.GroupKeyShare
	GroupKeySharePayload = types.GroupKeySharePayload
	VerificationStatus   = types.VerificationStatus
	VerificationParty    = types.VerificationParty
	Verification         = types.Verification
	Emoji                = types.Emoji
	SAS                  = types.SAS
	TrustLevel           = types.TrustLevel
	TrustRecord          = types.TrustRecord
	BackupBlob           = types.BackupBlob
	X25519Public         = types.X25519Public
	X25519Private        = types.X25519Private
	Ed25519Public        = types.Ed25519Public
	Ed25519Private       = types.Ed25519Private
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	ProfileStore      = interfaces.ProfileStore
	AccountStore      = interfaces.AccountStore
	SessionStore      = interfaces.SessionStore
	GroupSessionStore = interfaces.GroupSessionStore
	DeviceStore       = interfaces.DeviceStore
	SnapshotStore     = interfaces.SnapshotStore
	KeyDirectory      = interfaces.KeyDirectory
	GroupShareStore   = interfaces.GroupShareStore
	BackupStore       = interfaces.BackupStore
	VerificationStore = interfaces.VerificationStore
	TrustStore        = interfaces.TrustStore
	Membership        = interfaces.Membership
	Mailbox           = interfaces.Mailbox
	Broker            = interfaces.Broker
	AccountKeeper     = interfaces.AccountKeeper
	PairwiseCipher    = interfaces.PairwiseCipher
	TrustService      = interfaces.TrustService
)

// Constants re-exported from the types subpackage.
const (
	StatusUninitialized  = types.StatusUninitialized
	StatusLoading        = types.StatusLoading
	StatusGenerating     = types.StatusGenerating
	StatusNeedsSetup     = types.StatusNeedsSetup
	StatusReady          = types.StatusReady
	StatusDeviceMismatch = types.StatusDeviceMismatch
	StatusError          = types.StatusError

	MessageTypePreKey = types.MessageTypePreKey
	MessageTypeNormal = types.MessageTypeNormal

	EnvelopePairwise = types.EnvelopePairwise
	EnvelopeGroup    = types.EnvelopeGroup

	VerificationSAS          = types.VerificationSAS
	VerificationManual       = types.VerificationManual
	VerificationCrossSigning = types.VerificationCrossSigning

	VerificationStarted    = types.VerificationStarted
	VerificationAccepted   = types.VerificationAccepted
	VerificationConfirmed  = types.VerificationConfirmed
	VerificationCompleted  = types.VerificationCompleted
	VerificationMismatched = types.VerificationMismatched
	VerificationCancelled  = types.VerificationCancelled
	VerificationExpired    = types.VerificationExpired

	TrustTOFU     = types.TrustTOFU
	TrustVerified = types.TrustVerified

	BackupFormatVersion = types.BackupFormatVersion
	BackupKDFArgon2id   = types.BackupKDFArgon2id
)

// Sentinel errors re-exported from the types subpackage.
var (
	ErrEngineNotInitialized   = types.ErrEngineNotInitialized
	ErrNotReady               = types.ErrNotReady
	ErrNoAccount              = types.ErrNoAccount
	ErrAccountExists          = types.ErrAccountExists
	ErrDeviceNotFound         = types.ErrDeviceNotFound
	ErrDeviceMismatch         = types.ErrDeviceMismatch
	ErrNotFound               = types.ErrNotFound
	ErrConflict               = types.ErrConflict
	ErrInvalidArgument        = types.ErrInvalidArgument
	ErrClaimExhausted         = types.ErrClaimExhausted
	ErrInvalidPrekeySignature = types.ErrInvalidPrekeySignature
	ErrRatchetDesync          = types.ErrRatchetDesync
	ErrReplayDetected         = types.ErrReplayDetected
	ErrSessionNotFound        = types.ErrSessionNotFound
	ErrUnknownMessageIndex    = types.ErrUnknownMessageIndex
	ErrCorruptPickle          = types.ErrCorruptPickle
	ErrVerificationExpired    = types.ErrVerificationExpired
	ErrVerificationMismatched = types.ErrVerificationMismatched
	ErrVerificationState      = types.ErrVerificationState
	ErrTrustKeyStale          = types.ErrTrustKeyStale
	ErrBackupNotFound         = types.ErrBackupNotFound
	ErrBackupDecryptionFailed = types.ErrBackupDecryptionFailed
	ErrUnsupportedBackup      = types.ErrUnsupportedBackup
)

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string { return types.ErrorCode(err) }

// ErrorFromCode maps a wire code back to its sentinel.
func ErrorFromCode(code string) error { return types.ErrorFromCode(code) }
