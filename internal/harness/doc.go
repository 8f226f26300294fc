// Package harness runs replication scenarios in-process.
//
// A scenario names a set of nodes, a sequence of timed local writes, and
// directed sync rounds between them. Every node is a real store, capture
// repository, apply engine and sync engine; only the network is replaced by
// an in-memory transport that hands batches straight to the peer's apply
// engine.
//
// # Scenario Format
//
//	name: two_node_update
//	description: "A's update reaches B"
//	tables: [payments]
//	nodes: [a, b]
//	steps:
//	  - node: a
//	    at: 100
//	    create: { table: payments, id: "...", data: { amount: 10 } }
//	  - sync: { from: a, to: [b] }
//	  - node: a
//	    at: 200
//	    update: { table: payments, id: "...", data: { amount: 20 } }
//	  - sync: { from: a, to: [b], down: [c] }
//	assertions:
//	  - type: record
//	    node: b
//	    table: payments
//	    id: "..."
//	    expect: { amount: 20 }
//	    stamp: { timestamp: 200, version: 2, origin: a }
//	  - type: converged
//	    nodes: [a, b]
//	    table: payments
//
// A node named "a" has the identity "node-a", so identity tie-breaks read
// naturally in scenarios. "at" sets the writing node's clock (unix ms)
// before the write. "to" lists the peers the directory reports for that
// round; peers in "down" are listed but unreachable.
//
// # Assertion Types
//
//   - record: a live record on a node, subset match on data, optional stamp
//   - absent: no live record (never created, or deleted)
//   - pending: the number of unsynced log entries on a node
//   - converged: the listed nodes hold identical live records for a table
//
// # Golden Files
//
// RunWithGolden compares the trace and final state as canonical JSON
// against testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
package harness
