// Command cipherdm is the end-to-end encrypted messaging client. Device
// state lives under --home; keys, key shares and envelopes travel through a
// cipherdm broker.
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"cipherdm/cmd/cipherdm/commands"
)

// exitInterrupted is the status a shell reports for a SIGINT.
const exitInterrupted = 130

func main() {
	err := commands.Execute()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		os.Exit(exitInterrupted)
	default:
		os.Exit(1)
	}
}
