// Package store provides SQLite-backed durable storage for a meshsync node.
//
// The store holds:
//   - Sync log: append-only record of local and applied mutations
//   - Deliveries: which peer acknowledged which pending log entry
//   - Records: current state of every replicated record (with tombstones)
//   - Node meta: the node's persisted identity
//
// # Critical Patterns
//
// Same unit of work: a record mutation and its sync log entry are written in
// one transaction (WithTx). If the log write fails the mutation rolls back.
//
// Replay order: pending entries are read ORDER BY timestamp ASC, id ASC.
//
// Synced flag: is_synced only ever moves from 0 to 1. Entries written by the
// apply path are inserted already synced so they never propagate again.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
