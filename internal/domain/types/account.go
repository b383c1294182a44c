package types

import "time"

// Profile binds a local installation to a broker and user. The device id
// and pickle salt live here so that they survive key regeneration.
type Profile struct {
	BrokerURL  string    `json:"broker_url"`
	UserID     UserID    `json:"user_id"`
	DeviceID   DeviceID  `json:"device_id"`
	PickleSalt []byte    `json:"pickle_salt"`
	CreatedAt  time.Time `json:"created_at"`
}

// Address returns the device address described by the profile.
func (p Profile) Address() DeviceAddress {
	return DeviceAddress{UserID: p.UserID, DeviceID: p.DeviceID}
}
