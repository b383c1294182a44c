// Package commands defines the cipherdm CLI.
//
// Commands
//
//   - init                  Generate and publish this device's keys
//   - status                Print device status and prekey pool size
//   - fingerprint           Print the device fingerprint
//   - replenish [n]         Publish more one-time prekeys
//   - send <user> <msg>     Encrypt and send to every device of a user
//   - recv                  Fetch and decrypt queued messages
//   - group send|members|rotate|forward
//   - verify start|accept|cancel
//   - trust list|add|revoke
//   - backup create|restore|exists
//   - device regenerate
//
// Settings come from flags, CIPHERDM_* environment variables and an
// optional config file in the home directory, in that order.
package commands
