package types

import "time"

// TrustLevel grades how strongly a user is trusted.
type TrustLevel string

const (
	TrustTOFU     TrustLevel = "tofu"
	TrustVerified TrustLevel = "verified"
)

// TrustRecord says that TrusterUserID trusts TrustedUserID as long as the
// latter's master key equals TrustedMasterKey.
type TrustRecord struct {
	TrusterUserID    UserID             `json:"truster_user_id"`
	TrustedUserID    UserID             `json:"trusted_user_id"`
	TrustedMasterKey Ed25519Public      `json:"trusted_master_key"`
	Level            TrustLevel         `json:"level"`
	Method           VerificationMethod `json:"method"`
	CreatedAt        time.Time          `json:"created_at"`
}
