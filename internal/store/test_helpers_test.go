package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/meshsync/internal/change"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry creates a local, unsynced create entry.
func createTestEntry(table, recordID, nodeID string, ts int64) change.Entry {
	return change.Entry{
		Table:     table,
		RecordID:  recordID,
		Operation: change.OpCreate,
		Data:      change.Snapshot{"id": recordID},
		NodeID:    nodeID,
		Timestamp: ts,
		Version:   1,
	}
}

// appendEntries writes entries in a single transaction and returns their ids.
func appendEntries(t *testing.T, s *Store, entries ...change.Entry) []int64 {
	t.Helper()
	var ids []int64
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		for _, e := range entries {
			id, err := tx.AppendEntry(context.Background(), e)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append entries: %v", err)
	}
	return ids
}
