package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/change"
)

func TestAppendEntry_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := change.Entry{
		Table:     "payments",
		RecordID:  "r1",
		Operation: change.OpUpdate,
		Data:      change.Snapshot{"id": "r1", "amount": 20},
		NodeID:    "node-a",
		Timestamp: 200,
		Version:   2,
	}
	ids := appendEntries(t, s, e)
	require.Len(t, ids, 1)

	entries, err := s.ReadLog(ctx, LogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, ids[0], got.ID)
	assert.Equal(t, "payments", got.Table)
	assert.Equal(t, "r1", got.RecordID)
	assert.Equal(t, change.OpUpdate, got.Operation)
	assert.Equal(t, json.Number("20"), got.Data["amount"])
	assert.Equal(t, e.Stamp(), got.Stamp())
	assert.False(t, got.Synced)
}

func TestAppendEntry_RejectsUnknownOperation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bad := createTestEntry("payments", "r1", "node-a", 100)
	bad.Operation = "merge"

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.AppendEntry(ctx, bad)
		return err
	})
	assert.Error(t, err, "CHECK constraint must reject unknown operations")
}

func TestPendingEntries_OrderedByTimestamp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	appendEntries(t, s,
		createTestEntry("payments", "r3", "node-a", 300),
		createTestEntry("payments", "r1", "node-a", 100),
		createTestEntry("payments", "r2", "node-a", 200),
	)

	pending, err := s.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "r1", pending[0].RecordID)
	assert.Equal(t, "r2", pending[1].RecordID)
	assert.Equal(t, "r3", pending[2].RecordID)
}

func TestPendingEntries_RespectsLimitAndSyncedFlag(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	local := createTestEntry("payments", "r1", "node-a", 100)
	applied := createTestEntry("payments", "r2", "node-b", 50)
	applied.Synced = true
	ids := appendEntries(t, s,
		local,
		applied,
		createTestEntry("payments", "r3", "node-a", 200),
	)

	pending, err := s.PendingEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[0], pending[0].ID, "entries written pre-synced never come back as pending")

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPendingEntries_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	pending, err := s.PendingEntries(context.Background(), 100)
	require.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Empty(t, pending)
}

func TestDeliveries_PerPeerTracking(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := appendEntries(t, s,
		createTestEntry("payments", "r1", "node-a", 100),
		createTestEntry("payments", "r2", "node-a", 200),
	)

	require.NoError(t, s.MarkDelivered(ctx, "node-b", ids))
	require.NoError(t, s.MarkDelivered(ctx, "node-c", ids[:1]))
	// Acknowledging twice is harmless.
	require.NoError(t, s.MarkDelivered(ctx, "node-b", ids))

	delivered, err := s.DeliveredPeers(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"node-b": true, "node-c": true}, delivered[ids[0]])
	assert.Equal(t, map[string]bool{"node-b": true}, delivered[ids[1]])
}

func TestDeliveries_UnknownEntryRejected(t *testing.T) {
	s := createTestStore(t)

	err := s.MarkDelivered(context.Background(), "node-b", []int64{999})
	assert.Error(t, err, "foreign key must reject deliveries for missing entries")
}

func TestMarkSynced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := appendEntries(t, s,
		createTestEntry("payments", "r1", "node-a", 100),
		createTestEntry("payments", "r2", "node-a", 200),
	)
	require.NoError(t, s.MarkDelivered(ctx, "node-b", ids))

	require.NoError(t, s.MarkSynced(ctx, ids[:1]))

	pending, err := s.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[1], pending[0].ID)

	delivered, err := s.DeliveredPeers(ctx, ids)
	require.NoError(t, err)
	assert.NotContains(t, delivered, ids[0], "delivery rows are dropped once synced")
	assert.Contains(t, delivered, ids[1])

	// Flipping again is a no-op.
	require.NoError(t, s.MarkSynced(ctx, ids[:1]))
}

func TestReadLog_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	synced := createTestEntry("orders", "o1", "node-b", 150)
	synced.Synced = true
	appendEntries(t, s,
		createTestEntry("payments", "r1", "node-a", 100),
		synced,
		createTestEntry("payments", "r2", "node-a", 200),
	)

	byTable, err := s.ReadLog(ctx, LogFilter{Table: "payments"})
	require.NoError(t, err)
	assert.Len(t, byTable, 2)

	byRecord, err := s.ReadLog(ctx, LogFilter{RecordID: "o1"})
	require.NoError(t, err)
	require.Len(t, byRecord, 1)
	assert.True(t, byRecord[0].Synced)

	pendingOnly, err := s.ReadLog(ctx, LogFilter{PendingOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pendingOnly, 1)
	assert.Equal(t, "r1", pendingOnly[0].RecordID)
}

func TestPendingForPeer_SkipsAcknowledged(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := appendEntries(t, s,
		createTestEntry("payments", "r1", "node-a", 100),
		createTestEntry("payments", "r2", "node-a", 200),
		createTestEntry("payments", "r3", "node-a", 300),
	)
	require.NoError(t, s.MarkDelivered(ctx, "node-b", ids[:2]))

	forB, err := s.PendingForPeer(ctx, "node-b", 10)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, "r3", forB[0].RecordID)

	forC, err := s.PendingForPeer(ctx, "node-c", 2)
	require.NoError(t, err)
	require.Len(t, forC, 2)
	assert.Equal(t, "r1", forC[0].RecordID)
	assert.Equal(t, "r2", forC[1].RecordID)
}
