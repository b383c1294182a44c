package store

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"cipherdm/internal/domain"
)

// Export reads the whole database in one read transaction.
func (d *DeviceDB) Export() (domain.Snapshot, error) {
	var s domain.Snapshot
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		if b := tx.Bucket(bucketMeta).Get(keyAccount); b != nil {
			s.Account = append([]byte(nil), b...)
		}
		if s.Sessions, err = list[domain.SessionRecord](tx, bucketSessions, nil); err != nil {
			return err
		}
		if s.Outbound, err = list[domain.OutboundGroupRecord](tx, bucketOutbound, nil); err != nil {
			return err
		}
		if s.Inbound, err = list[domain.InboundGroupRecord](tx, bucketInbound, nil); err != nil {
			return err
		}
		s.Devices, err = list[domain.DeviceIdentity](tx, bucketDevices, nil)
		return err
	})
	return s, err
}

// Import replaces the whole database with s in a single transaction. On
// error nothing changes.
func (d *DeviceDB) Import(s domain.Snapshot) error {
	if len(s.Account) == 0 {
		return errors.New("snapshot has no account")
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := reset(tx); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyAccount, s.Account); err != nil {
			return err
		}
		for _, r := range s.Sessions {
			if err := put(tx, bucketSessions, sessionKey(r.Peer()), r); err != nil {
				return err
			}
		}
		for _, r := range s.Outbound {
			if err := put(tx, bucketOutbound, []byte(r.ConversationID), r); err != nil {
				return err
			}
		}
		for _, r := range s.Inbound {
			if err := put(tx, bucketInbound, inboundKey(r.ConversationID, r.SessionID), r); err != nil {
				return err
			}
		}
		for _, r := range s.Devices {
			if err := put(tx, bucketDevices, sessionKey(r.Address()), r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Wipe removes every record.
func (d *DeviceDB) Wipe() error {
	return d.db.Update(reset)
}

func reset(tx *bolt.Tx) error {
	for _, name := range allBuckets {
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return errors.Wrapf(err, "drop bucket %s", name)
			}
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return errors.Wrapf(err, "create bucket %s", name)
		}
	}
	return nil
}

// Compile-time assertion that DeviceDB implements domain.SnapshotStore.
var _ domain.SnapshotStore = (*DeviceDB)(nil)
