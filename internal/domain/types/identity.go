package types

import "time"

// Identity holds a device's long-term X25519 and Ed25519 keys. It only
// ever exists inside an account pickle or in engine memory.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// SignedPrekey is a medium-term X25519 key signed by the device signing key.
type SignedPrekey struct {
	ID        uint32       `json:"id"`
	PublicKey X25519Public `json:"public_key"`
	Signature []byte       `json:"signature"`
}

// OneTimePrekey is a single-use X25519 public key published to the broker.
// KeyID is unique per device and never zero.
type OneTimePrekey struct {
	KeyID     uint32         `json:"key_id"`
	PublicKey X25519Public   `json:"public_key"`
	ClaimedAt *time.Time     `json:"claimed_at,omitempty"`
	ClaimedBy *DeviceAddress `json:"claimed_by,omitempty"`
}

// VerificationMethod records how a device or user was verified.
type VerificationMethod string

const (
	VerificationSAS          VerificationMethod = "sas"
	VerificationManual       VerificationMethod = "manual"
	VerificationCrossSigning VerificationMethod = "cross-signing"
)

// DeviceIdentity is the public view of a device: the keys it publishes and
// whether it has been verified.
type DeviceIdentity struct {
	UserID             UserID             `json:"user_id"`
	DeviceID           DeviceID           `json:"device_id"`
	IdentityKey        X25519Public       `json:"identity_key"`
	SigningKey         Ed25519Public      `json:"signing_key"`
	SignedPrekey       SignedPrekey       `json:"signed_prekey"`
	MasterSignature    []byte             `json:"master_signature,omitempty"`
	Verified           bool               `json:"verified"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Address returns the device address of d.
func (d DeviceIdentity) Address() DeviceAddress {
	return DeviceAddress{UserID: d.UserID, DeviceID: d.DeviceID}
}
