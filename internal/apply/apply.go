// Package apply is the receiving side of replication.
//
// A batch from a peer is applied in one transaction. Each change is checked
// against the stamp of the locally held record (tombstones included) and
// written only when strictly newer, so the final state does not depend on
// delivery order and re-delivery is harmless. Applied changes are appended to
// the local sync log already marked synced, which keeps them from being
// propagated again.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/metrics"
	"github.com/roach88/meshsync/internal/store"
)

// Result counts what happened to the changes of a committed batch.
type Result struct {
	Applied int
	Stale   int
	Echoed  int
}

// BatchError reports the change that made a batch roll back.
type BatchError struct {
	Index    int
	Table    string
	RecordID string
	Err      error
}

func (e *BatchError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("change %d (%s): %v", e.Index, e.Table, e.Err)
	}
	return fmt.Sprintf("change %d (%s/%s): %v", e.Index, e.Table, e.RecordID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// ErrSnapshotIDMismatch is returned when a change's snapshot names a
// different record than its key.
var ErrSnapshotIDMismatch = errors.New("snapshot id does not match record id")

// Engine applies incoming batches for one node.
//
// Thread-safety: Apply may be called concurrently. Batches are serialized by
// the store's transaction.
type Engine struct {
	store   *store.Store
	nodeID  string
	logger  *slog.Logger
	metrics *metrics.Registry
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an apply engine for the node nodeID.
func New(s *store.Store, nodeID string, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		nodeID: nodeID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply commits a batch. Either every change is processed or nothing is
// persisted and a *BatchError (or a commit error) is returned.
func (e *Engine) Apply(ctx context.Context, changes []change.Change) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		res = Result{}
		for i, c := range changes {
			outcome, err := e.applyOne(ctx, tx, c)
			if err != nil {
				key, _ := c.Key()
				return &BatchError{Index: i, Table: c.Table, RecordID: key, Err: err}
			}
			switch outcome {
			case outcomeApplied:
				res.Applied++
			case outcomeStale:
				res.Stale++
			case outcomeEcho:
				res.Echoed++
			}
		}
		return nil
	})

	e.metrics.Inc(metrics.ApplyBatchesTotal)
	if err != nil {
		e.metrics.Inc(metrics.ApplyFailuresTotal)
		e.logger.Warn("apply batch rolled back", "changes", len(changes), "error", err)
		return Result{}, err
	}

	e.metrics.Add(metrics.ApplyAppliedTotal, int64(res.Applied))
	e.metrics.Add(metrics.ApplyStaleTotal, int64(res.Stale))
	e.metrics.Add(metrics.ApplyEchoedTotal, int64(res.Echoed))
	e.logger.Debug("applied batch",
		"changes", len(changes),
		"applied", res.Applied,
		"stale", res.Stale,
		"echoed", res.Echoed)
	return res, nil
}

type outcome int

const (
	outcomeApplied outcome = iota + 1
	outcomeStale
	outcomeEcho
)

func (e *Engine) applyOne(ctx context.Context, tx *store.Tx, c change.Change) (outcome, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if c.NodeID == e.nodeID {
		return outcomeEcho, nil
	}

	key, _ := c.Key()
	incoming := c.Stamp()

	current, exists, err := tx.RecordStamp(ctx, c.Table, key)
	if err != nil {
		return 0, err
	}
	if exists && !incoming.Newer(current) {
		e.logger.Debug("discarding stale change",
			"table", c.Table,
			"record", key,
			"incoming_ts", incoming.Timestamp,
			"local_ts", current.Timestamp)
		return outcomeStale, nil
	}

	logged := change.Snapshot{"id": key}
	if c.Operation == change.OpDelete {
		if err := tx.DeleteRecord(ctx, c.Table, key, incoming); err != nil {
			return 0, err
		}
	} else {
		snap := c.Data.Clone()
		if id, ok := snap.ID(); ok && id != key {
			return 0, fmt.Errorf("%w: %q != %q", ErrSnapshotIDMismatch, id, key)
		}
		snap["id"] = key
		if err := tx.PutRecord(ctx, store.Record{Table: c.Table, ID: key, Data: snap, Stamp: incoming}); err != nil {
			return 0, err
		}
		logged = snap
	}

	_, err = tx.AppendEntry(ctx, change.Entry{
		Table:     c.Table,
		RecordID:  key,
		Operation: c.Operation,
		Data:      logged,
		NodeID:    c.NodeID,
		Timestamp: c.Timestamp,
		Version:   c.Version,
		Synced:    true,
	})
	if err != nil {
		return 0, err
	}
	return outcomeApplied, nil
}
