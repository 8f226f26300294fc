// Package capture is the local write path for replicated tables.
//
// Every create, update and delete goes through a Repository, which commits
// the record mutation and its sync log entry in one transaction. A mutation
// whose log entry cannot be written fails as a whole; there is no way to
// change a replicated record without leaving a pending entry behind.
//
// After each successful commit, subscribed Listeners are told about the
// change. The sync engine subscribes this way to schedule an eager round.
// Listeners cannot fail or delay the write beyond their own call.
package capture
