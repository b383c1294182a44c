// Package broker is the reference server side of cipherdm: a SQLite store
// for published device keys, one-time prekeys, group key shares, backups,
// SAS transactions, trust records, conversation membership and a
// store-and-forward mailbox, exposed over HTTP+JSON.
//
// The broker only ever sees public keys and ciphertext.
package broker
