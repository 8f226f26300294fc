package capture

import "github.com/roach88/meshsync/internal/change"

// Listener is notified after a local mutation has been committed.
//
// snapshot is the full record for create and update, and {"id": key} for
// delete. Implementations must not block; long work belongs on a goroutine.
type Listener interface {
	OnCommitted(table string, op change.Operation, snapshot change.Snapshot)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(table string, op change.Operation, snapshot change.Snapshot)

// OnCommitted calls f.
func (f ListenerFunc) OnCommitted(table string, op change.Operation, snapshot change.Snapshot) {
	f(table, op, snapshot)
}
