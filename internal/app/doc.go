// Package app wires a cipherdm device and exposes it as a Client.
//
// NewWire builds the stores, the engine and the services from a Config.
// Client sits on top and adds the lifecycle status: nothing but key
// generation, recovery and restore runs until the device is ready.
//
// Statuses:
//
//	uninitialized -> loading -> needs-setup | ready | device-mismatch | error
//	needs-setup   -> generating -> ready | error
//	device-mismatch -> (Regenerate) generating -> ready
//	device-mismatch -> (Dismiss) ready, degraded
package app
