package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/meshsync/internal/change"
)

// AppendEntry inserts a sync log entry and returns its local id.
// Called in the same transaction as the record mutation it describes.
func (t *Tx) AppendEntry(ctx context.Context, e change.Entry) (int64, error) {
	data, err := change.MarshalCanonical(map[string]any(e.Data))
	if err != nil {
		return 0, fmt.Errorf("append entry: marshal data: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_log
		(table_name, record_id, operation, data, node_id, timestamp, version, is_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Table,
		e.RecordID,
		string(e.Operation),
		string(data),
		e.NodeID,
		e.Timestamp,
		e.Version,
		boolToInt(e.Synced),
	)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append entry: last insert id: %w", err)
	}
	return id, nil
}

// PendingEntries returns up to limit unsynced entries in replay order
// (timestamp ASC, id ASC). Returns an empty slice (not nil) when nothing is pending.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]change.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, data, node_id, timestamp, version, is_synced
		FROM sync_log
		WHERE is_synced = 0
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	return collectEntries(rows)
}

// PendingForPeer returns up to limit unsynced entries that peerID has not
// acknowledged yet, in replay order. A peer that keeps failing only holds
// back its own deliveries, never those of other peers.
func (s *Store) PendingForPeer(ctx context.Context, peerID string, limit int) ([]change.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, data, node_id, timestamp, version, is_synced
		FROM sync_log
		WHERE is_synced = 0
		  AND id NOT IN (SELECT entry_id FROM sync_deliveries WHERE peer_id = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries for %s: %w", peerID, err)
	}
	return collectEntries(rows)
}

// CountPending returns the number of unsynced entries.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_log WHERE is_synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// LogFilter narrows ReadLog results.
type LogFilter struct {
	Table       string
	RecordID    string
	PendingOnly bool
	Limit       int // 0 means no limit
}

// ReadLog returns sync log entries in replay order.
func (s *Store) ReadLog(ctx context.Context, f LogFilter) ([]change.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if f.PendingOnly {
		where = append(where, "is_synced = 0")
	}

	query := `
		SELECT id, table_name, record_id, operation, data, node_id, timestamp, version, is_synced
		FROM sync_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	return collectEntries(rows)
}

// DeliveredPeers returns, for each of the given entries, the set of peers
// that already acknowledged it.
func (s *Store) DeliveredPeers(ctx context.Context, entryIDs []int64) (map[int64]map[string]bool, error) {
	out := make(map[int64]map[string]bool, len(entryIDs))
	if len(entryIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, peer_id FROM sync_deliveries
		WHERE entry_id IN (`+placeholders(len(entryIDs))+`)
	`, int64Args(entryIDs)...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entryID int64
			peerID  string
		)
		if err := rows.Scan(&entryID, &peerID); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if out[entryID] == nil {
			out[entryID] = make(map[string]bool)
		}
		out[entryID][peerID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// MarkDelivered records that peerID acknowledged the given entries.
// Uses ON CONFLICT DO NOTHING - acknowledging twice is a no-op.
func (s *Store) MarkDelivered(ctx context.Context, peerID string, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return s.WithTx(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareContext(ctx, `
			INSERT INTO sync_deliveries (entry_id, peer_id, delivered_at)
			VALUES (?, ?, ?)
			ON CONFLICT(entry_id, peer_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("mark delivered: prepare: %w", err)
		}
		defer stmt.Close()

		for _, id := range entryIDs {
			if _, err := stmt.ExecContext(ctx, id, peerID, now); err != nil {
				return fmt.Errorf("mark delivered: entry %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkSynced flips is_synced for the given entries and drops their per-peer
// delivery rows, which are no longer needed.
func (s *Store) MarkSynced(ctx context.Context, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	in := placeholders(len(entryIDs))
	args := int64Args(entryIDs)
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE sync_log SET is_synced = 1 WHERE is_synced = 0 AND id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM sync_deliveries WHERE entry_id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("mark synced: clear deliveries: %w", err)
		}
		return nil
	})
}

func collectEntries(rows *sql.Rows) ([]change.Entry, error) {
	defer rows.Close()

	entries := []change.Entry{}
	for rows.Next() {
		var (
			e      change.Entry
			op     string
			data   string
			synced int
		)
		if err := rows.Scan(
			&e.ID, &e.Table, &e.RecordID, &op, &data,
			&e.NodeID, &e.Timestamp, &e.Version, &synced,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		snap, err := change.ParseSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		e.Operation = change.Operation(op)
		e.Data = snap
		e.Synced = synced == 1
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
