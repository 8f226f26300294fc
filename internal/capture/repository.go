package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/metrics"
	"github.com/roach88/meshsync/internal/store"
)

var (
	// ErrTableNotReplicated is returned for tables that were never registered.
	ErrTableNotReplicated = errors.New("table is not replicated")

	// ErrRecordExists is returned when creating a record whose id is live.
	ErrRecordExists = errors.New("record already exists")

	// ErrIDMismatch is returned when an update's snapshot names another record.
	ErrIDMismatch = errors.New("snapshot id does not match record id")

	// ErrSnapshotTooLarge is returned for snapshots no peer would accept.
	ErrSnapshotTooLarge = errors.New("snapshot too large to replicate")
)

// Repository performs local mutations on replicated tables.
//
// Thread-safety: all methods are safe for concurrent use. Writes are
// serialized by the store's single connection.
type Repository struct {
	store   *store.Store
	nodeID  string
	clock   change.Clock
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	tables    map[string]struct{}
	listeners []Listener
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the wall clock used to stamp local writes.
func WithClock(c change.Clock) Option {
	return func(r *Repository) {
		r.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Repository) {
		r.metrics = m
	}
}

// WithTables registers tables up front.
func WithTables(tables ...string) Option {
	return func(r *Repository) {
		for _, t := range tables {
			r.tables[t] = struct{}{}
		}
	}
}

// WithIDGenerator replaces change.NewRecordID for records created without an id.
// Generated ids must still be UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) {
		r.newID = gen
	}
}

// NewRepository creates a repository writing as nodeID.
func NewRepository(s *store.Store, nodeID string, opts ...Option) *Repository {
	r := &Repository{
		store:  s,
		nodeID: nodeID,
		clock:  change.WallClock{},
		newID:  change.NewRecordID,
		logger: slog.Default(),
		tables: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register marks table as replicated.
func (r *Repository) Register(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = struct{}{}
}

// Tables returns the registered tables in sorted order.
func (r *Repository) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for t := range r.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds a listener for committed mutations.
func (r *Repository) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Create inserts a new record. When data has no "id" a UUIDv7 is generated.
// A tombstoned id may be created again; the new stamp supersedes the delete.
func (r *Repository) Create(ctx context.Context, table string, data change.Snapshot) (store.Record, error) {
	if err := r.checkTable(table); err != nil {
		return store.Record{}, err
	}

	snap := data.Clone()
	id, ok := snap.ID()
	if !ok {
		id = r.newID()
		snap["id"] = id
	}
	if err := change.ValidateRecordID(id); err != nil {
		return store.Record{}, err
	}
	if err := checkSize(snap); err != nil {
		return store.Record{}, err
	}

	rec := store.Record{Table: table, ID: id, Data: snap}
	err := r.commit(ctx, change.OpCreate, rec, func(tx *store.Tx, prev store.Record, exists bool) (store.Record, error) {
		if exists && !prev.Deleted {
			return store.Record{}, fmt.Errorf("%w: %s/%s", ErrRecordExists, table, id)
		}
		rec.Stamp = change.NextStamp(r.clock, r.nodeID, prev.Stamp, exists)
		return rec, tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

// Update replaces the full snapshot of a live record.
func (r *Repository) Update(ctx context.Context, table, id string, data change.Snapshot) (store.Record, error) {
	if err := r.checkTable(table); err != nil {
		return store.Record{}, err
	}

	snap := data.Clone()
	if got, ok := snap.ID(); ok && got != id {
		return store.Record{}, fmt.Errorf("%w: %q != %q", ErrIDMismatch, got, id)
	}
	snap["id"] = id
	if err := checkSize(snap); err != nil {
		return store.Record{}, err
	}

	rec := store.Record{Table: table, ID: id, Data: snap}
	err := r.commit(ctx, change.OpUpdate, rec, func(tx *store.Tx, prev store.Record, exists bool) (store.Record, error) {
		if !exists || prev.Deleted {
			return store.Record{}, fmt.Errorf("update %s/%s: %w", table, id, store.ErrNotFound)
		}
		rec.Stamp = change.NextStamp(r.clock, r.nodeID, prev.Stamp, true)
		return rec, tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

// Delete tombstones a live record. Only the key is logged.
func (r *Repository) Delete(ctx context.Context, table, id string) error {
	if err := r.checkTable(table); err != nil {
		return err
	}

	rec := store.Record{Table: table, ID: id, Data: change.Snapshot{"id": id}, Deleted: true}
	return r.commit(ctx, change.OpDelete, rec, func(tx *store.Tx, prev store.Record, exists bool) (store.Record, error) {
		if !exists || prev.Deleted {
			return store.Record{}, fmt.Errorf("delete %s/%s: %w", table, id, store.ErrNotFound)
		}
		rec.Stamp = change.NextStamp(r.clock, r.nodeID, prev.Stamp, true)
		return rec, tx.DeleteRecord(ctx, table, id, rec.Stamp)
	})
}

// Get returns a live record.
func (r *Repository) Get(ctx context.Context, table, id string) (store.Record, error) {
	if err := r.checkTable(table); err != nil {
		return store.Record{}, err
	}
	return r.store.ReadRecord(ctx, table, id)
}

// List returns the live records of a table ordered by id.
func (r *Repository) List(ctx context.Context, table string) ([]store.Record, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	return r.store.ListRecords(ctx, table)
}

func checkSize(snap change.Snapshot) error {
	data, err := change.MarshalCanonical(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if len(data) > change.MaxSnapshotBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrSnapshotTooLarge, len(data), change.MaxSnapshotBytes)
	}
	return nil
}

// mutateFunc writes the record inside the transaction and returns it stamped.
type mutateFunc func(tx *store.Tx, prev store.Record, exists bool) (store.Record, error)

// commit runs mutate and appends the matching log entry in one transaction,
// then notifies listeners.
func (r *Repository) commit(ctx context.Context, op change.Operation, rec store.Record, mutate mutateFunc) error {
	var written store.Record
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		prev, err := tx.ReadRecord(ctx, rec.Table, rec.ID)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		written, err = mutate(tx, prev, exists)
		if err != nil {
			return err
		}

		_, err = tx.AppendEntry(ctx, change.Entry{
			Table:     rec.Table,
			RecordID:  rec.ID,
			Operation: op,
			Data:      rec.Data,
			NodeID:    written.Stamp.NodeID,
			Timestamp: written.Stamp.Timestamp,
			Version:   written.Stamp.Version,
		})
		return err
	})
	if err != nil {
		r.metrics.Inc(metrics.CaptureFailuresTotal)
		return err
	}

	r.metrics.Inc(metrics.CaptureWritesTotal)
	r.logger.Debug("captured local change",
		"table", rec.Table,
		"record", rec.ID,
		"op", op,
		"ts", written.Stamp.Timestamp,
		"version", written.Stamp.Version)

	r.notify(rec.Table, op, rec.Data)
	return nil
}

func (r *Repository) notify(table string, op change.Operation, snap change.Snapshot) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		r.safeNotify(l, table, op, snap.Clone())
	}
}

func (r *Repository) safeNotify(l Listener, table string, op change.Operation, snap change.Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("commit listener panicked", "table", table, "op", op, "panic", p)
		}
	}()
	l.OnCommitted(table, op, snap)
}

func (r *Repository) checkTable(table string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrTableNotReplicated, table)
	}
	return nil
}
