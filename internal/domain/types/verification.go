package types

import (
	"fmt"
	"strings"
	"time"
)

// VerificationStatus is the state of a SAS transaction.
type VerificationStatus string

const (
	VerificationStarted    VerificationStatus = "started"
	VerificationAccepted   VerificationStatus = "accepted"
	VerificationConfirmed  VerificationStatus = "confirmed"
	VerificationCompleted  VerificationStatus = "completed"
	VerificationMismatched VerificationStatus = "mismatched"
	VerificationCancelled  VerificationStatus = "cancelled"
	VerificationExpired    VerificationStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s VerificationStatus) Terminal() bool {
	switch s {
	case VerificationCompleted, VerificationMismatched, VerificationCancelled, VerificationExpired:
		return true
	}
	return false
}

// VerificationParty is one side of a SAS transaction.
type VerificationParty struct {
	UserID     UserID       `json:"user_id"`
	DeviceID   DeviceID     `json:"device_id"`
	Commitment []byte       `json:"commitment,omitempty"`
	PublicKey  X25519Public `json:"public_key"`
	MAC        []byte       `json:"mac,omitempty"`
	Confirmed  bool         `json:"confirmed"`
}

// Address returns the party's device address.
func (p VerificationParty) Address() DeviceAddress {
	return DeviceAddress{UserID: p.UserID, DeviceID: p.DeviceID}
}

// Verification is a SAS transaction as stored by the broker.
type Verification struct {
	TransactionID TransactionID      `json:"transaction_id"`
	Initiator     VerificationParty  `json:"initiator"`
	Target        VerificationParty  `json:"target"`
	Status        VerificationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

// Emoji is one entry of the SAS emoji table.
type Emoji struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// SAS is the short authentication string shown to both users.
type SAS struct {
	Emoji    []Emoji   `json:"emoji"`
	Decimals [3]uint16 `json:"decimals"`
}

// String renders the decimals followed by the emoji descriptions.
func (s SAS) String() string {
	names := make([]string, 0, len(s.Emoji))
	for _, e := range s.Emoji {
		names = append(names, e.Symbol+" "+e.Description)
	}
	return fmt.Sprintf("%d %d %d | %s", s.Decimals[0], s.Decimals[1], s.Decimals[2], strings.Join(names, ", "))
}
