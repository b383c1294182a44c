// Command broker serves the cipherdm key directory, key-share store,
// verification store, trust store and mailbox over HTTP, backed by SQLite.
//
// It never sees plaintext or private keys. Requests are not
// authenticated; run it on a network you control.
package main

import (
	"os"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}
