// Package store provides local persistence for a device.
//
// DeviceDB is a bbolt database holding the sealed account pickle, pairwise
// sessions, outbound and inbound group sessions and the cache of known
// devices. Records are CBOR; every pickle inside them is already sealed by
// the engine, so the database never sees key material in the clear. Export
// and Import move the whole database in one transaction each.
//
// ProfileFileStore is a small JSON file mapping (broker, user) to the
// device id and pickle salt of this installation. It is written via a temp
// file and rename.
package store
