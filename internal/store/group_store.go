package store

import (
	bolt "go.etcd.io/bbolt"

	"cipherdm/internal/domain"
)

func inboundPrefix(conv domain.ConversationID) []byte {
	return []byte(string(conv) + "\x00")
}

func inboundKey(conv domain.ConversationID, id domain.SessionID) []byte {
	return append(inboundPrefix(conv), id...)
}

// LoadOutboundGroupSession returns this device's sending session for conv.
func (d *DeviceDB) LoadOutboundGroupSession(conv domain.ConversationID) (domain.OutboundGroupRecord, bool, error) {
	var rec domain.OutboundGroupRecord
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		ok, err = get(tx, bucketOutbound, []byte(conv), &rec)
		return err
	})
	return rec, ok, err
}

// SaveOutboundGroupSession stores rec as the sending session of its conversation.
func (d *DeviceDB) SaveOutboundGroupSession(rec domain.OutboundGroupRecord) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketOutbound, []byte(rec.ConversationID), rec)
	})
}

// DeleteOutboundGroupSession drops the sending session of conv.
func (d *DeviceDB) DeleteOutboundGroupSession(conv domain.ConversationID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbound).Delete([]byte(conv))
	})
}

// LoadInboundGroupSession returns the receiving session id of conv.
func (d *DeviceDB) LoadInboundGroupSession(conv domain.ConversationID, id domain.SessionID) (domain.InboundGroupRecord, bool, error) {
	var rec domain.InboundGroupRecord
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		ok, err = get(tx, bucketInbound, inboundKey(conv, id), &rec)
		return err
	})
	return rec, ok, err
}

// SaveInboundGroupSession stores rec.
func (d *DeviceDB) SaveInboundGroupSession(rec domain.InboundGroupRecord) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketInbound, inboundKey(rec.ConversationID, rec.SessionID), rec)
	})
}

// ListInboundGroupSessions returns every receiving session of conv.
func (d *DeviceDB) ListInboundGroupSessions(conv domain.ConversationID) ([]domain.InboundGroupRecord, error) {
	var out []domain.InboundGroupRecord
	err := d.db.View(func(tx *bolt.Tx) (err error) {
		out, err = list[domain.InboundGroupRecord](tx, bucketInbound, inboundPrefix(conv))
		return err
	})
	return out, err
}

// Compile-time assertion that DeviceDB implements domain.GroupSessionStore.
var _ domain.GroupSessionStore = (*DeviceDB)(nil)
