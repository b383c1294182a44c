package types

import "time"

// BackupFormatVersion is the current backup payload format.
const BackupFormatVersion = 1

// BackupKDFArgon2id names the only supported key derivation function.
const BackupKDFArgon2id = "argon2id"

// BackupBlob is a password-encrypted snapshot of a device's crypto state.
// There is at most one per user.
type BackupBlob struct {
	UserID           UserID    `json:"user_id"`
	EncryptedPayload []byte    `json:"encrypted_payload"`
	IV               []byte    `json:"iv"`
	AuthTag          []byte    `json:"auth_tag"`
	Salt             []byte    `json:"salt"`
	KDF              string    `json:"kdf"`
	KDFIterations    uint32    `json:"kdf_iterations"`
	KDFMemoryKiB     uint32    `json:"kdf_memory_kib"`
	KDFThreads       uint8     `json:"kdf_threads"`
	FormatVersion    int       `json:"format_version"`
	DeviceCount      int       `json:"device_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}
