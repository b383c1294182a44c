// Package sas holds the pieces of short-authentication-string device
// verification that do not depend on transport: the transaction state
// machine, the key commitment, SAS derivation and the key MAC.
//
// A transaction moves started → accepted → confirmed → completed, or ends
// early as mismatched, cancelled or expired. The initiator first publishes
// only a commitment to its ephemeral key so neither side can pick its key
// after seeing the other's.
package sas
