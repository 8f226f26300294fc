package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/directory"
	"github.com/roach88/meshsync/internal/metrics"
	"github.com/roach88/meshsync/internal/store"
)

// Defaults for Engine options.
const (
	DefaultInterval         = 30 * time.Second
	DefaultBatchSize        = 100
	DefaultSendTimeout      = 10 * time.Second
	DefaultDirectoryTimeout = 5 * time.Second
)

// PeerOutcome is the result of one peer's delivery within a round.
type PeerOutcome struct {
	PeerID string
	URL    string
	Sent   int
	Err    error
}

// Round summarizes one sync round.
type Round struct {
	StartedAt time.Time
	Duration  time.Duration
	Pending   int // entries read at the start of the round
	Peers     []PeerOutcome
	Synced    int // entries marked synced by this round
	Err       error
}

// Engine schedules and runs sync rounds for one node.
//
// Thread-safety model:
//   - Trigger(): safe from any goroutine; concurrent calls collapse to one round
//   - Start(): call at most once at a time
//   - OnCommitted(): safe from any goroutine, never blocks
type Engine struct {
	store     *store.Store
	nodeID    string
	directory Directory
	transport Transport

	interval    time.Duration
	batchSize   int
	batchBytes  int
	sendTimeout time.Duration
	dirTimeout  time.Duration
	eager       bool
	logger      *slog.Logger
	metrics     *metrics.Registry

	running atomic.Bool
	started atomic.Bool
	kick    chan struct{} // eager trigger signal (buffered, size 1)
	rounds  sync.WaitGroup
	last    atomic.Pointer[Round]
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the periodic round interval. Default: 30s.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.interval = d
	}
}

// WithBatchSize bounds the entries read and sent per peer per round. Default: 100.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		e.batchSize = n
	}
}

// WithMaxBatchBytes bounds the encoded size of each batch sent to a peer.
// An entry larger than the bound is still sent, alone. Default:
// change.MaxBatchBytes, the limit the apply endpoint accepts.
func WithMaxBatchBytes(n int) Option {
	return func(e *Engine) {
		e.batchBytes = n
	}
}

// WithSendTimeout bounds each per-peer send.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.sendTimeout = d
	}
}

// WithDirectoryTimeout bounds the peer lookup.
func WithDirectoryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.dirTimeout = d
	}
}

// WithEager enables or disables rounds triggered by local writes. Default: enabled.
func WithEager(enabled bool) Option {
	return func(e *Engine) {
		e.eager = enabled
	}
}

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

// New creates a sync engine for nodeID.
func New(s *store.Store, nodeID string, dir Directory, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		nodeID:      nodeID,
		directory:   dir,
		transport:   transport,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		batchBytes:  change.MaxBatchBytes,
		sendTimeout: DefaultSendTimeout,
		dirTimeout:  DefaultDirectoryTimeout,
		eager:       true,
		logger:      slog.Default(),
		kick:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether a round is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastRound returns the most recent completed round, if any.
func (e *Engine) LastRound() (Round, bool) {
	r := e.last.Load()
	if r == nil {
		return Round{}, false
	}
	return *r, true
}

// Start schedules rounds every interval and on eager triggers until ctx
// ends. Rounds already in flight are left to finish; use Wait to block
// until they have.
func (e *Engine) Start(ctx context.Context) {
	e.started.Store(true)
	defer e.started.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.schedule(ctx)
		case <-e.kick:
			e.schedule(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until rounds scheduled by Start have returned.
func (e *Engine) Wait() {
	e.rounds.Wait()
}

func (e *Engine) schedule(ctx context.Context) {
	e.rounds.Add(1)
	go func() {
		defer e.rounds.Done()
		e.Trigger(ctx)
	}()
}

// OnCommitted implements capture.Listener: a local write asks for an eager
// round. Signals coalesce, and nothing happens until Start runs.
func (e *Engine) OnCommitted(string, change.Operation, change.Snapshot) {
	if !e.eager || !e.started.Load() {
		return
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Trigger runs one round unless one is already running, in which case it
// returns immediately with false. Cancelling ctx does not abort a round.
func (e *Engine) Trigger(ctx context.Context) (Round, bool) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.Inc(metrics.SyncRoundsSkipped)
		return Round{}, false
	}
	defer e.running.Store(false)

	round := e.runRound(context.WithoutCancel(ctx))
	e.last.Store(&round)

	e.metrics.Inc(metrics.SyncRoundsTotal)
	if round.Err != nil {
		e.metrics.Inc(metrics.SyncRoundFailures)
	}
	return round, true
}

func (e *Engine) runRound(ctx context.Context) (round Round) {
	round.StartedAt = time.Now()
	defer func() { round.Duration = time.Since(round.StartedAt) }()

	pending, err := e.store.PendingEntries(ctx, e.batchSize)
	if err != nil {
		round.Err = fmt.Errorf("read pending entries: %w", err)
		e.logger.Error("sync round failed", "error", round.Err)
		return round
	}
	round.Pending = len(pending)
	e.updatePendingGauge(ctx)
	if len(pending) == 0 {
		return round
	}

	peers, err := e.livePeers(ctx)
	if err != nil {
		round.Err = err
		e.logger.Warn("directory unavailable, entries stay pending", "pending", len(pending), "error", err)
		return round
	}
	e.metrics.Set(metrics.SyncPeersLastRound, int64(len(peers)))

	owed, err := e.owedPeers(ctx, peers)
	if err != nil {
		round.Err = err
		e.logger.Error("sync round failed", "error", round.Err)
		return round
	}

	if len(owed) == 0 {
		ids := entryIDs(pending)
		if err := e.store.MarkSynced(ctx, ids); err != nil {
			round.Err = fmt.Errorf("mark synced: %w", err)
			return round
		}
		round.Synced = len(ids)
		e.finish(ctx, round)
		e.logger.Debug("no peers known, marked pending entries synced", "entries", len(ids))
		return round
	}

	if len(peers) > 0 {
		round.Peers = e.deliver(ctx, peers)
	}

	candidates := entryIDs(pending)
	for _, p := range round.Peers {
		if p.Err == nil {
			continue
		}
		e.logger.Warn("delivery failed",
			"peer", p.PeerID,
			"url", p.URL,
			"transient", IsTransient(p.Err),
			"error", p.Err)
	}

	synced, err := e.markComplete(ctx, candidates, owed)
	if err != nil {
		round.Err = err
		return round
	}
	round.Synced = synced
	e.finish(ctx, round)

	e.logger.Info("sync round complete",
		"pending", round.Pending,
		"peers", len(peers),
		"owed", len(owed),
		"synced", round.Synced,
		"duration", time.Since(round.StartedAt))
	return round
}

func (e *Engine) finish(ctx context.Context, round Round) {
	e.metrics.Add(metrics.SyncEntriesSynced, int64(round.Synced))
	e.updatePendingGauge(ctx)
}

func (e *Engine) updatePendingGauge(ctx context.Context) {
	if n, err := e.store.CountPending(ctx); err == nil {
		e.metrics.Set(metrics.SyncPendingEntries, int64(n))
	}
}

// livePeers returns the directory's services minus this node, deduplicated
// by id and sorted for stable logs.
func (e *Engine) livePeers(ctx context.Context) ([]directory.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, e.dirTimeout)
	defer cancel()

	services, err := e.directory.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}

	seen := make(map[string]bool, len(services))
	peers := make([]directory.Service, 0, len(services))
	for _, s := range services {
		if s.ID == "" || s.ID == e.nodeID || s.URL == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		peers = append(peers, s)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

// deliver sends each peer what it is missing, concurrently, and records the
// acknowledgements.
func (e *Engine) deliver(ctx context.Context, peers []directory.Service) []PeerOutcome {
	outcomes := make([]PeerOutcome, len(peers))
	acked := make([][]int64, len(peers))

	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer directory.Service) {
			defer wg.Done()
			outcomes[i], acked[i] = e.sendTo(ctx, peer)
		}(i, peer)
	}
	wg.Wait()

	for i, ids := range acked {
		if len(ids) == 0 {
			continue
		}
		if err := e.store.MarkDelivered(ctx, peers[i].ID, ids); err != nil {
			outcomes[i].Err = fmt.Errorf("record delivery: %w", err)
		}
	}
	return outcomes
}

func (e *Engine) sendTo(ctx context.Context, peer directory.Service) (PeerOutcome, []int64) {
	out := PeerOutcome{PeerID: peer.ID, URL: peer.URL}

	entries, err := e.store.PendingForPeer(ctx, peer.ID, e.batchSize)
	if err != nil {
		out.Err = fmt.Errorf("read pending for peer: %w", err)
		return out, nil
	}
	if len(entries) == 0 {
		return out, nil
	}

	changes := make([]change.Change, len(entries))
	for i, entry := range entries {
		changes[i] = entry.Change()
	}
	if n := fitBatch(changes, e.batchBytes); n < len(changes) {
		e.logger.Debug("batch trimmed to size bound",
			"peer", peer.ID, "entries", n, "read", len(changes), "maxBytes", e.batchBytes)
		changes, entries = changes[:n], entries[:n]
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	if _, err := e.transport.Send(sendCtx, peer, changes); err != nil {
		e.metrics.Inc(metrics.SyncDeliveryFailures)
		out.Err = err
		return out, nil
	}

	e.metrics.Inc(metrics.SyncDeliveriesTotal)
	e.metrics.Add(metrics.SyncChangesSentTotal, int64(len(changes)))
	out.Sent = len(changes)
	return out, entryIDs(entries)
}

// owedPeers remembers the live peers and returns every peer that has ever
// appeared live. An entry is only fully synced once all of them have
// acknowledged it, including peers currently missing from the directory.
func (e *Engine) owedPeers(ctx context.Context, live []directory.Service) ([]string, error) {
	ids := make([]string, len(live))
	for i, p := range live {
		ids[i] = p.ID
	}
	if err := e.store.RememberPeers(ctx, ids); err != nil {
		return nil, fmt.Errorf("remember peers: %w", err)
	}
	known, err := e.store.KnownPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("read known peers: %w", err)
	}
	if absent := len(known) - len(ids); absent > 0 {
		e.logger.Debug("known peers missing from directory keep entries pending", "absent", absent)
	}
	return known, nil
}

// markComplete marks synced the candidates that every owed peer has
// acknowledged. Entries sent this round beyond the first batch are covered
// on a later round.
func (e *Engine) markComplete(ctx context.Context, candidates []int64, peers []string) (int, error) {
	delivered, err := e.store.DeliveredPeers(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("read deliveries: %w", err)
	}

	var complete []int64
	for _, id := range candidates {
		acks := delivered[id]
		all := true
		for _, p := range peers {
			if !acks[p] {
				all = false
				break
			}
		}
		if all {
			complete = append(complete, id)
		}
	}

	if err := e.store.MarkSynced(ctx, complete); err != nil {
		return 0, fmt.Errorf("mark synced: %w", err)
	}
	return len(complete), nil
}

func entryIDs(entries []change.Entry) []int64 {
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}
