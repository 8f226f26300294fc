package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/meshsync/internal/apply"
	"github.com/roach88/meshsync/internal/capture"
	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/directory"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/syncer"
	"github.com/roach88/meshsync/internal/testutil"
)

// errPeerDown is the delivery failure for peers listed in sync.down.
var errPeerDown = errors.New("peer unreachable")

// NodeID is the identity a scenario node runs under.
func NodeID(name string) string {
	return change.NodeIDPrefix + name
}

func nodeName(id string) string {
	return strings.TrimPrefix(id, change.NodeIDPrefix)
}

// node is one scenario participant.
type node struct {
	name  string
	store *store.Store
	clock *testutil.ManualClock
	repo  *capture.Repository
	apply *apply.Engine
	sync  *syncer.Engine
	peers *memDirectory
}

// Harness executes one scenario.
type Harness struct {
	nodes     map[string]*node
	transport *memTransport
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each node runs on a fresh in-memory database. Clocks start at zero and
// only move when a step sets them, so traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		nodes:     make(map[string]*node, len(scenario.Nodes)),
		transport: &memTransport{peers: make(map[string]*apply.Engine)},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	defer h.close()

	ctx := context.Background()
	for _, name := range scenario.Nodes {
		if err := h.addNode(ctx, name, scenario.Tables); err != nil {
			return nil, fmt.Errorf("failed to start node %s: %w", name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		event, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		event.Seq = i + 1
		result.Trace = append(result.Trace, event)
	}

	for _, name := range scenario.Nodes {
		state, err := h.state(ctx, h.nodes[name], scenario.Tables)
		if err != nil {
			return nil, fmt.Errorf("failed to read state of %s: %w", name, err)
		}
		result.State[name] = state
	}

	for _, errMsg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) addNode(ctx context.Context, name string, tables []string) error {
	st, err := store.Open(":memory:")
	if err != nil {
		return err
	}
	id, err := st.EnsureNodeID(ctx, func() string { return NodeID(name) })
	if err != nil {
		st.Close()
		return err
	}

	n := &node{
		name:  name,
		store: st,
		clock: testutil.NewManualClock(0),
		peers: &memDirectory{},
	}
	n.repo = capture.NewRepository(st, id,
		capture.WithTables(tables...),
		capture.WithClock(n.clock),
		capture.WithLogger(h.logger))
	n.apply = apply.New(st, id, apply.WithLogger(h.logger))
	n.sync = syncer.New(st, id, n.peers, h.transport, syncer.WithLogger(h.logger))

	h.nodes[name] = n
	h.transport.register(id, n.apply)
	return nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		n.store.Close()
	}
}

func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	if step.Sync != nil {
		return h.syncRound(ctx, step.Sync)
	}

	n := h.nodes[step.Node]
	if step.At != 0 {
		n.clock.Set(step.At)
	}

	var (
		op  change.Operation
		w   *Write
		rec store.Record
		err error
	)
	switch {
	case step.Create != nil:
		op, w = change.OpCreate, step.Create
		data := change.Snapshot(w.Data).Clone()
		data["id"] = w.ID
		rec, err = n.repo.Create(ctx, w.Table, data)
	case step.Update != nil:
		op, w = change.OpUpdate, step.Update
		rec, err = n.repo.Update(ctx, w.Table, w.ID, change.Snapshot(w.Data))
	default:
		op, w = change.OpDelete, step.Delete
		err = n.repo.Delete(ctx, w.Table, w.ID)
		if err == nil {
			rec.Stamp, err = h.lastStamp(ctx, n, w.Table, w.ID)
		}
	}
	if err != nil {
		return TraceEvent{}, fmt.Errorf("%s %s/%s on %s: %w", op, w.Table, w.ID, n.name, err)
	}

	return TraceEvent{
		Type:      string(op),
		Node:      n.name,
		Table:     w.Table,
		ID:        w.ID,
		Timestamp: rec.Stamp.Timestamp,
		Version:   rec.Stamp.Version,
	}, nil
}

func (h *Harness) lastStamp(ctx context.Context, n *node, table, id string) (change.Stamp, error) {
	entries, err := n.store.ReadLog(ctx, store.LogFilter{Table: table, RecordID: id})
	if err != nil {
		return change.Stamp{}, err
	}
	if len(entries) == 0 {
		return change.Stamp{}, fmt.Errorf("no log entry for %s/%s", table, id)
	}
	return entries[len(entries)-1].Stamp(), nil
}

func (h *Harness) syncRound(ctx context.Context, step *SyncStep) (TraceEvent, error) {
	n := h.nodes[step.From]

	services := make([]directory.Service, len(step.To))
	for i, name := range step.To {
		services[i] = directory.Service{ID: NodeID(name), URL: "mem://" + name}
	}
	n.peers.set(services)
	h.transport.setDown(step.Down)

	round, ran := n.sync.Trigger(ctx)
	if !ran {
		return TraceEvent{}, fmt.Errorf("sync round on %s did not run", n.name)
	}
	if round.Err != nil {
		return TraceEvent{}, fmt.Errorf("sync round on %s: %w", n.name, round.Err)
	}

	event := TraceEvent{
		Type:    "sync",
		Node:    n.name,
		Pending: round.Pending,
		Synced:  round.Synced,
	}
	for _, p := range round.Peers {
		event.Deliveries = append(event.Deliveries, Delivery{
			Peer:   nodeName(p.PeerID),
			Sent:   p.Sent,
			Failed: p.Err != nil,
		})
	}
	return event, nil
}

func (h *Harness) state(ctx context.Context, n *node, tables []string) (NodeState, error) {
	pending, err := n.store.CountPending(ctx)
	if err != nil {
		return NodeState{}, err
	}

	state := NodeState{Pending: pending, Records: []RecordState{}}
	for _, table := range tables {
		recs, err := n.store.ListRecords(ctx, table)
		if err != nil {
			return NodeState{}, err
		}
		for _, r := range recs {
			state.Records = append(state.Records, newRecordState(r))
		}
	}
	return state, nil
}

func newRecordState(r store.Record) RecordState {
	return RecordState{
		Table:     r.Table,
		ID:        r.ID,
		Data:      r.Data,
		Origin:    nodeName(r.Stamp.NodeID),
		Timestamp: r.Stamp.Timestamp,
		Version:   r.Stamp.Version,
	}
}

// memDirectory reports the peers set for the current round.
type memDirectory struct {
	mu       sync.Mutex
	services []directory.Service
}

func (d *memDirectory) set(services []directory.Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = services
}

func (d *memDirectory) Services(context.Context) ([]directory.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]directory.Service(nil), d.services...), nil
}

// memTransport delivers batches to the peer's apply engine directly.
type memTransport struct {
	mu    sync.Mutex
	peers map[string]*apply.Engine
	down  map[string]bool
}

func (t *memTransport) register(id string, e *apply.Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = e
}

func (t *memTransport) setDown(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = make(map[string]bool, len(names))
	for _, name := range names {
		t.down[NodeID(name)] = true
	}
}

func (t *memTransport) Send(ctx context.Context, peer directory.Service, changes []change.Change) (change.BatchResult, error) {
	t.mu.Lock()
	engine, ok := t.peers[peer.ID]
	down := t.down[peer.ID]
	t.mu.Unlock()

	if !ok || down {
		return change.BatchResult{}, &syncer.DeliveryError{PeerID: peer.ID, Err: errPeerDown}
	}

	res, err := engine.Apply(ctx, changes)
	if err != nil {
		return change.BatchResult{}, &syncer.DeliveryError{PeerID: peer.ID, Status: 500, Message: err.Error()}
	}
	return change.BatchResult{
		Success: true,
		Applied: res.Applied,
		Stale:   res.Stale,
		Echoed:  res.Echoed,
	}, nil
}
