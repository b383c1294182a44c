// Package group manages sender-key group sessions and their distribution.
//
// Each device owns at most one outbound session per conversation and shares
// its key with every member device over pairwise sessions, through the
// broker's key share table. Outbound sessions rotate after a message count,
// after an age, and after a member leaves.
package group
