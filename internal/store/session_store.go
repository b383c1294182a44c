package store

import (
	bolt "go.etcd.io/bbolt"

	"cipherdm/internal/domain"
)

func sessionKey(peer domain.DeviceAddress) []byte {
	return []byte(string(peer.UserID) + "\x00" + string(peer.DeviceID))
}

// LoadSession returns the pairwise session with peer.
func (d *DeviceDB) LoadSession(peer domain.DeviceAddress) (domain.SessionRecord, bool, error) {
	var rec domain.SessionRecord
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		ok, err = get(tx, bucketSessions, sessionKey(peer), &rec)
		return err
	})
	return rec, ok, err
}

// SaveSession stores rec, replacing any previous session with the same peer.
func (d *DeviceDB) SaveSession(rec domain.SessionRecord) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSessions, sessionKey(rec.Peer()), rec)
	})
}

// ListSessions returns every pairwise session.
func (d *DeviceDB) ListSessions() ([]domain.SessionRecord, error) {
	var out []domain.SessionRecord
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		out, err = list[domain.SessionRecord](tx, bucketSessions, nil)
		return err
	})
	return out, err
}

// Compile-time assertion that DeviceDB implements domain.SessionStore.
var _ domain.SessionStore = (*DeviceDB)(nil)
