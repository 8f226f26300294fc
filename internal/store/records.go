package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/meshsync/internal/change"
)

// Record is the current state of a replicated record.
type Record struct {
	Table   string
	ID      string
	Data    change.Snapshot
	Stamp   change.Stamp
	Deleted bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

// RecordStamp returns the stamp of the stored record, tombstones included.
// The bool is false when the record was never seen.
func (t *Tx) RecordStamp(ctx context.Context, table, id string) (change.Stamp, bool, error) {
	var stamp change.Stamp
	err := t.tx.QueryRowContext(ctx, `
		SELECT timestamp, version, node_id FROM records
		WHERE table_name = ? AND record_id = ?
	`, table, id).Scan(&stamp.Timestamp, &stamp.Version, &stamp.NodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Stamp{}, false, nil
	}
	if err != nil {
		return change.Stamp{}, false, fmt.Errorf("read record stamp: %w", err)
	}
	return stamp, true, nil
}

// ReadRecord returns the stored row including tombstones.
// Returns ErrNotFound if the record was never seen.
func (t *Tx) ReadRecord(ctx context.Context, table, id string) (Record, error) {
	return scanRecord(t.tx.QueryRowContext(ctx, selectRecord+` WHERE table_name = ? AND record_id = ?`, table, id))
}

// PutRecord upserts a live record.
func (t *Tx) PutRecord(ctx context.Context, r Record) error {
	data, err := change.MarshalCanonical(map[string]any(r.Data))
	if err != nil {
		return fmt.Errorf("put record: marshal data: %w", err)
	}
	return t.upsert(ctx, r.Table, r.ID, string(data), r.Stamp, false)
}

// DeleteRecord replaces the record with a tombstone carrying stamp.
func (t *Tx) DeleteRecord(ctx context.Context, table, id string, stamp change.Stamp) error {
	return t.upsert(ctx, table, id, "{}", stamp, true)
}

func (t *Tx) upsert(ctx context.Context, table, id, data string, stamp change.Stamp, deleted bool) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO records (table_name, record_id, data, node_id, timestamp, version, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			data = excluded.data,
			node_id = excluded.node_id,
			timestamp = excluded.timestamp,
			version = excluded.version,
			deleted = excluded.deleted
	`, table, id, data, stamp.NodeID, stamp.Timestamp, stamp.Version, boolToInt(deleted))
	if err != nil {
		return fmt.Errorf("write record %s/%s: %w", table, id, err)
	}
	return nil
}

// ReadRecord returns a live record. Tombstones and unknown ids return ErrNotFound.
func (s *Store) ReadRecord(ctx context.Context, table, id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+` WHERE table_name = ? AND record_id = ? AND deleted = 0`, table, id))
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// ListRecords returns the live records of a table ordered by id.
func (s *Store) ListRecords(ctx context.Context, table string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecord+` WHERE table_name = ? AND deleted = 0 ORDER BY record_id ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

const selectRecord = `
	SELECT table_name, record_id, data, node_id, timestamp, version, deleted
	FROM records`

func scanRecord(row rowScanner) (Record, error) {
	var (
		r       Record
		data    string
		deleted int
	)
	err := row.Scan(&r.Table, &r.ID, &data, &r.Stamp.NodeID, &r.Stamp.Timestamp, &r.Stamp.Version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	snap, err := change.ParseSnapshot(data)
	if err != nil {
		return Record{}, fmt.Errorf("record %s/%s: %w", r.Table, r.ID, err)
	}
	r.Data = snap
	r.Deleted = deleted == 1
	return r, nil
}
