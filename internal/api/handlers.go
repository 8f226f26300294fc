// Package api exposes a node over HTTP: the peer apply endpoint, sync
// status and log inspection, the local records API, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/meshsync/internal/apply"
	"github.com/roach88/meshsync/internal/capture"
	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/metrics"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/syncer"
)

const nodeIDHeader = syncer.NodeIDHeader

// Records is the local write path. *capture.Repository implements it.
type Records interface {
	Create(ctx context.Context, table string, data change.Snapshot) (store.Record, error)
	Update(ctx context.Context, table, id string, data change.Snapshot) (store.Record, error)
	Delete(ctx context.Context, table, id string) error
	Get(ctx context.Context, table, id string) (store.Record, error)
	List(ctx context.Context, table string) ([]store.Record, error)
	Tables() []string
}

// Applier applies peer batches. *apply.Engine implements it.
type Applier interface {
	Apply(ctx context.Context, changes []change.Change) (apply.Result, error)
}

// LogReader reads the sync log. *store.Store implements it.
type LogReader interface {
	ReadLog(ctx context.Context, f store.LogFilter) ([]change.Entry, error)
	CountPending(ctx context.Context) (int, error)
}

// SyncStatus reports round state. *syncer.Engine implements it.
type SyncStatus interface {
	Running() bool
	LastRound() (syncer.Round, bool)
}

// RateLimit configures the per-sender limit on the apply endpoint.
// A zero Limit disables limiting.
type RateLimit struct {
	Limit float64
	Burst int
}

// Deps are the collaborators a Handler serves.
type Deps struct {
	NodeID    string
	Records   Records
	Applier   Applier
	Log       LogReader
	Sync      SyncStatus
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	RateLimit RateLimit
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	nodeID   string
	records  Records
	applier  Applier
	log      LogReader
	sync     SyncStatus
	metrics  *metrics.Registry
	logger   *slog.Logger
	limiters *senderLimiters
}

// NewHandler creates a new API handler. Call Close to release the rate
// limiter cache.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		nodeID:  d.NodeID,
		records: d.Records,
		applier: d.Applier,
		log:     d.Log,
		sync:    d.Sync,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if d.RateLimit.Limit > 0 {
		h.limiters = newSenderLimiters(d.RateLimit.Limit, d.RateLimit.Burst)
	}
	return h
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	if h.limiters != nil {
		h.limiters.stop()
	}
}

/* ---------------- POST /api/sync/apply ---------------- */

func (h *Handler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var batch change.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, change.MaxBatchBytes)).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, change.BatchResult{
				Error: fmt.Sprintf("batch exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, change.BatchResult{Error: "invalid json: " + err.Error()})
		return
	}

	res, err := h.applier.Apply(r.Context(), batch.Changes)
	if err != nil {
		status := http.StatusInternalServerError
		if invalidChange(err) {
			status = http.StatusBadRequest
		}
		h.logger.Warn("rejected batch",
			"peer", r.Header.Get(nodeIDHeader),
			"changes", len(batch.Changes),
			"status", status,
			"error", err)
		writeJSON(w, status, change.BatchResult{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, change.BatchResult{
		Success: true,
		Applied: res.Applied,
		Stale:   res.Stale,
		Echoed:  res.Echoed,
	})
}

// invalidChange reports whether the batch was rejected for its content
// rather than a local storage failure.
func invalidChange(err error) bool {
	for _, target := range []error{
		change.ErrInvalidOperation,
		change.ErrMissingKey,
		change.ErrMissingTable,
		change.ErrMissingOrigin,
		apply.ErrSnapshotIDMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

/* ---------------- GET /api/sync/status ---------------- */

type peerView struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Sent  int    `json:"sent"`
	Error string `json:"error,omitempty"`
}

type roundView struct {
	StartedAt  time.Time  `json:"startedAt"`
	DurationMS int64      `json:"durationMs"`
	Pending    int        `json:"pending"`
	Synced     int        `json:"synced"`
	Peers      []peerView `json:"peers"`
	Error      string     `json:"error,omitempty"`
}

type statusView struct {
	NodeID    string     `json:"nodeId"`
	Tables    []string   `json:"tables"`
	Running   bool       `json:"running"`
	Pending   int        `json:"pending"`
	LastRound *roundView `json:"lastRound,omitempty"`
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.log.CountPending(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	view := statusView{
		NodeID:  h.nodeID,
		Tables:  h.records.Tables(),
		Running: h.sync.Running(),
		Pending: pending,
	}
	if round, ok := h.sync.LastRound(); ok {
		view.LastRound = newRoundView(round)
	}
	writeJSON(w, http.StatusOK, view)
}

func newRoundView(round syncer.Round) *roundView {
	v := &roundView{
		StartedAt:  round.StartedAt,
		DurationMS: round.Duration.Milliseconds(),
		Pending:    round.Pending,
		Synced:     round.Synced,
		Peers:      make([]peerView, 0, len(round.Peers)),
	}
	if round.Err != nil {
		v.Error = round.Err.Error()
	}
	for _, p := range round.Peers {
		pv := peerView{ID: p.PeerID, URL: p.URL, Sent: p.Sent}
		if p.Err != nil {
			pv.Error = p.Err.Error()
		}
		v.Peers = append(v.Peers, pv)
	}
	return v
}

/* ---------------- GET /api/sync/log ---------------- */

type entryView struct {
	ID        int64            `json:"id"`
	Table     string           `json:"table"`
	RecordID  string           `json:"recordId"`
	Operation change.Operation `json:"operation"`
	Data      change.Snapshot  `json:"data"`
	NodeID    string           `json:"nodeId"`
	Timestamp int64            `json:"timestamp"`
	Version   int64            `json:"version"`
	Synced    bool             `json:"synced"`
}

func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LogFilter{
		Table:       q.Get("table"),
		RecordID:    q.Get("record"),
		PendingOnly: q.Get("pending") == "true",
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	entries, err := h.log.ReadLog(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	out := make([]entryView, len(entries))
	for i, e := range entries {
		out[i] = entryView{
			ID:        e.ID,
			Table:     e.Table,
			RecordID:  e.RecordID,
			Operation: e.Operation,
			Data:      e.Data,
			NodeID:    e.NodeID,
			Timestamp: e.Timestamp,
			Version:   e.Version,
			Synced:    e.Synced,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

/* ---------------- /api/records ---------------- */

type recordView struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Data      change.Snapshot `json:"data"`
	NodeID    string          `json:"nodeId"`
	Timestamp int64           `json:"timestamp"`
	Version   int64           `json:"version"`
}

func newRecordView(r store.Record) recordView {
	return recordView{
		Table:     r.Table,
		ID:        r.ID,
		Data:      r.Data,
		NodeID:    r.Stamp.NodeID,
		Timestamp: r.Stamp.Timestamp,
		Version:   r.Stamp.Version,
	}
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeSnapshot(w, r)
	if !ok {
		return
	}
	rec, err := h.records.Create(r.Context(), r.PathValue("table"), data)
	if err != nil {
		h.recordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRecordView(rec))
}

func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeSnapshot(w, r)
	if !ok {
		return
	}
	rec, err := h.records.Update(r.Context(), r.PathValue("table"), r.PathValue("id"), data)
	if err != nil {
		h.recordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(rec))
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), r.PathValue("table"), r.PathValue("id"))
	if err != nil {
		h.recordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(rec))
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.records.Delete(r.Context(), r.PathValue("table"), r.PathValue("id")); err != nil {
		h.recordError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.records.List(r.Context(), r.PathValue("table"))
	if err != nil {
		h.recordError(w, r, err)
		return
	}
	out := make([]recordView, len(recs))
	for i, rec := range recs {
		out[i] = newRecordView(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeSnapshot(w http.ResponseWriter, r *http.Request) (change.Snapshot, bool) {
	var data change.Snapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, change.MaxBatchBytes)).Decode(&data); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "record body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func (h *Handler) recordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, capture.ErrTableNotReplicated), errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, capture.ErrRecordExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, change.ErrInvalidRecordID), errors.Is(err, capture.ErrIDMismatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, capture.ErrSnapshotTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		h.internalError(w, r, err)
	}
}

/* ---------------- GET /metrics, GET /health ---------------- */

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "nodeId": h.nodeID})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
