package change

import (
	"errors"
	"fmt"
	"strings"
)

// Operation is the kind of mutation captured in the sync log.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

var (
	// ErrInvalidOperation is returned for operations other than create, update or delete.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrMissingKey is returned when a change carries no record id.
	ErrMissingKey = errors.New("change has no record id")

	// ErrMissingTable is returned when a change names no table.
	ErrMissingTable = errors.New("change has no table")

	// ErrMissingOrigin is returned when a change carries no origin node id.
	ErrMissingOrigin = errors.New("change has no origin node id")
)

// Stamp orders competing changes for the same record (last-write-wins).
type Stamp struct {
	Timestamp int64
	Version   int64
	NodeID    string
}

// Compare returns -1, 0 or +1 depending on whether s sorts before, equal to,
// or after o. Timestamp decides first, then version, then node id.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Timestamp < o.Timestamp:
		return -1
	case s.Timestamp > o.Timestamp:
		return 1
	case s.Version < o.Version:
		return -1
	case s.Version > o.Version:
		return 1
	}
	return strings.Compare(s.NodeID, o.NodeID)
}

// Newer reports whether s strictly wins over o.
func (s Stamp) Newer(o Stamp) bool {
	return s.Compare(o) > 0
}

// Entry is one row of a node's sync log.
//
// ID is the local log position and never leaves the node. Everything else is
// immutable once written, except Synced which only moves from false to true.
type Entry struct {
	ID        int64
	Table     string
	RecordID  string
	Operation Operation
	Data      Snapshot
	NodeID    string
	Timestamp int64
	Version   int64
	Synced    bool
}

// Stamp returns the ordering stamp of the entry.
func (e Entry) Stamp() Stamp {
	return Stamp{Timestamp: e.Timestamp, Version: e.Version, NodeID: e.NodeID}
}

// Change converts the entry to its wire form.
func (e Entry) Change() Change {
	return Change{
		Table:     e.Table,
		RecordID:  e.RecordID,
		Operation: e.Operation,
		Data:      e.Data,
		NodeID:    e.NodeID,
		Timestamp: e.Timestamp,
		Version:   e.Version,
	}
}

// Change is the wire representation of a sync log entry.
type Change struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"recordId,omitempty"`
	Operation Operation `json:"operation"`
	Data      Snapshot  `json:"data"`
	NodeID    string    `json:"nodeId"`
	Timestamp int64     `json:"timestamp"`
	Version   int64     `json:"version"`
}

// Stamp returns the ordering stamp of the change.
func (c Change) Stamp() Stamp {
	return Stamp{Timestamp: c.Timestamp, Version: c.Version, NodeID: c.NodeID}
}

// Key returns the record id of the change. Senders that omit recordId are
// still understood as long as the snapshot carries an "id" field.
func (c Change) Key() (string, error) {
	if c.RecordID != "" {
		return c.RecordID, nil
	}
	if id, ok := c.Data.ID(); ok {
		return id, nil
	}
	return "", ErrMissingKey
}

// Validate checks that a received change can be applied.
func (c Change) Validate() error {
	if c.Table == "" {
		return ErrMissingTable
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, c.Operation)
	}
	if _, err := c.Key(); err != nil {
		return err
	}
	if c.NodeID == "" {
		return ErrMissingOrigin
	}
	return nil
}

// MaxBatchBytes is the largest encoded Batch a node accepts.
const MaxBatchBytes = 8 << 20

// MaxSnapshotBytes bounds one encoded snapshot so that a batch holding only
// that change still fits in MaxBatchBytes.
const MaxSnapshotBytes = MaxBatchBytes - 4<<10

// Batch is the body of POST /api/sync/apply.
type Batch struct {
	Changes []Change `json:"changes"`
}

// BatchResult is the apply endpoint's answer. A batch is all-or-nothing, so
// Success=false means nothing from the batch was persisted.
type BatchResult struct {
	Success bool   `json:"success"`
	Applied int    `json:"applied"`
	Stale   int    `json:"stale"`
	Echoed  int    `json:"echoed"`
	Error   string `json:"error,omitempty"`
}
