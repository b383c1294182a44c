// Package relay provides the HTTP implementation of domain.Broker used by
// cipherdm clients.
//
// The broker is a store for public key material, group key shares,
// backups, verification transactions and trust records, and a
// store-and-forward mailbox for encrypted envelopes. This package is the
// client side of its JSON API.
//
// All requests accept a context for cancellation and deadlines. Error
// responses carrying a known code are returned wrapping the matching domain
// sentinel, so callers test them with errors.Is. Other non-2xx statuses are
// returned as *StatusError.
package relay
