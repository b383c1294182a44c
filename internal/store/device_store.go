package store

import (
	bolt "go.etcd.io/bbolt"

	"cipherdm/internal/domain"
)

// LoadDevice returns the cached identity of addr.
func (d *DeviceDB) LoadDevice(addr domain.DeviceAddress) (domain.DeviceIdentity, bool, error) {
	var rec domain.DeviceIdentity
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		ok, err = get(tx, bucketDevices, sessionKey(addr), &rec)
		return err
	})
	return rec, ok, err
}

// SaveDevice caches a device identity with its verification state.
func (d *DeviceDB) SaveDevice(rec domain.DeviceIdentity) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketDevices, sessionKey(rec.Address()), rec)
	})
}

// Compile-time assertion that DeviceDB implements domain.DeviceStore.
var _ domain.DeviceStore = (*DeviceDB)(nil)
