// Package verification runs short authentication string (SAS) device
// verification between two devices.
//
// Transaction state lives on the broker and every transition is a
// compare-and-set on the stored status. Ephemeral keys and the shared
// secret stay in the memory of the coordinator that created them.
package verification
