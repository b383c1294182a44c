package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketSessions = []byte("olm_sessions")
	bucketOutbound = []byte("megolm_outbound")
	bucketInbound  = []byte("megolm_inbound")
	bucketDevices  = []byte("devices")

	allBuckets = [][]byte{bucketMeta, bucketSessions, bucketOutbound, bucketInbound, bucketDevices}

	keyAccount = []byte("account")
)

// DeviceDB is the local per-device database. Every record is CBOR; pickles
// inside records are sealed by the engine before they get here.
type DeviceDB struct {
	db *bolt.DB
}

// OpenDeviceDB opens or creates the database at path.
func OpenDeviceDB(path string) (*DeviceDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open device db %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DeviceDB{db: db}, nil
}

// Close releases the database file.
func (d *DeviceDB) Close() error {
	return d.db.Close()
}

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	return tx.Bucket(bucket).Put(key, b)
}

// get decodes the value at key into out. Values are copied out of the mmap
// first; bbolt memory is only valid inside the transaction.
func get(tx *bolt.Tx, bucket, key []byte, out any) (bool, error) {
	b := tx.Bucket(bucket).Get(key)
	if b == nil {
		return false, nil
	}
	if err := cbor.Unmarshal(append([]byte(nil), b...), out); err != nil {
		return false, errors.Wrapf(err, "decode %s record", bucket)
	}
	return true, nil
}

func list[T any](tx *bolt.Tx, bucket, prefix []byte) ([]T, error) {
	var out []T
	c := tx.Bucket(bucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var rec T
		if err := cbor.Unmarshal(append([]byte(nil), v...), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode %s record", bucket)
		}
		out = append(out, rec)
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
