package interfaces

import (
	"context"

	domaintypes "cipherdm/internal/domain/types"
)

// AccountKeeper serialises access to the local account pickle.
type AccountKeeper interface {
	Self() domaintypes.DeviceAddress
	LoadAccount() ([]byte, error)
	UpdateAccount(fn func(pickle []byte) ([]byte, error)) error
}

// PairwiseCipher encrypts and decrypts device-to-device messages.
type PairwiseCipher interface {
	EncryptPairwise(ctx context.Context, peer domaintypes.DeviceAddress, plaintext []byte) (domaintypes.PairwiseMessage, error)
	DecryptPairwise(ctx context.Context, sender domaintypes.DeviceAddress, msg domaintypes.PairwiseMessage) ([]byte, error)
}

// TrustService records and evaluates cross-signing trust.
type TrustService interface {
	TrustUser(ctx context.Context, user domaintypes.UserID, master domaintypes.Ed25519Public, level domaintypes.TrustLevel, method domaintypes.VerificationMethod) error
	IsUserTrusted(ctx context.Context, user domaintypes.UserID) (domaintypes.TrustRecord, error)
	IsDeviceTrusted(ctx context.Context, addr domaintypes.DeviceAddress) (bool, error)
}
