// Package trust records which master cross-signing keys the local user
// trusts and derives device trust from them.
package trust
