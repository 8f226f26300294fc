// Package change defines the records that flow through meshsync replication.
//
// A local mutation is captured as an Entry in the node's sync log. Entries are
// shipped to peers as Change values inside a Batch, and every node orders
// competing changes for the same record by their Stamp.
//
// # Ordering
//
// Stamps are compared by timestamp, then version, then origin node id
// (lexical). The comparison is total, so every node picks the same winner for a
// record no matter the order in which changes arrive.
//
// # Identity
//
// Replicated records must carry globally unique ids (UUIDs). Two nodes handing
// out the same local counter value for different records would silently
// overwrite each other under replication. Node ids live in a separate
// "node-" prefixed space and never parse as record ids.
//
// # Snapshots
//
// Replication is snapshot based: create and update carry the full record, delete
// carries only {"id": key}. Snapshots serialize to canonical JSON (sorted keys,
// NFC-normalized strings, no HTML escaping) so identical records produce
// identical log rows on every node.
package change
