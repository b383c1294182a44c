// Package domain defines the data models and contracts shared across the
// client, the broker and the command-line tools.
//
// The types subpackage holds plain data (wire records, persisted records,
// sentinel errors) and the interfaces subpackage holds contracts for stores,
// the broker and cross-service collaborators. This package re-exports both
// so callers can import a single path.
package domain
