package store

import (
	bolt "go.etcd.io/bbolt"

	"cipherdm/internal/domain"
)

// LoadAccount returns the sealed account pickle, if any.
func (d *DeviceDB) LoadAccount() ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta).Get(keyAccount)
		if b != nil {
			out = append([]byte(nil), b...)
		}
		return nil
	})
	return out, out != nil, err
}

// SaveAccount replaces the sealed account pickle.
func (d *DeviceDB) SaveAccount(pickle []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyAccount, pickle)
	})
}

// Compile-time assertion that DeviceDB implements domain.AccountStore.
var _ domain.AccountStore = (*DeviceDB)(nil)
