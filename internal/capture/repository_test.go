package capture

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/metrics"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/testutil"
)

const nodeA = "node-a"

type recorded struct {
	table string
	op    change.Operation
	snap  change.Snapshot
}

type recordingListener struct {
	mu     sync.Mutex
	events []recorded
}

func (l *recordingListener) OnCommitted(table string, op change.Operation, snap change.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recorded{table, op, snap})
}

func setupRepo(t *testing.T, opts ...Option) (*Repository, *store.Store, *testutil.ManualClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(100)
	base := []Option{
		WithClock(clock),
		WithTables("payments"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewRepository(st, nodeA, append(base, opts...)...), st, clock
}

func TestCreate_WritesRecordAndLogEntry(t *testing.T) {
	repo, st, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	rec, err := repo.Create(ctx, "payments", change.Snapshot{"id": id, "amount": 10})
	require.NoError(t, err)
	assert.Equal(t, change.Stamp{Timestamp: 100, Version: 1, NodeID: nodeA}, rec.Stamp)

	got, err := st.ReadRecord(ctx, "payments", id)
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), got.Data["amount"])

	pending, err := st.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, change.OpCreate, e.Operation)
	assert.Equal(t, id, e.RecordID)
	assert.Equal(t, nodeA, e.NodeID)
	assert.Equal(t, int64(100), e.Timestamp)
	assert.Equal(t, json.Number("10"), e.Data["amount"], "create logs the full snapshot")
	assert.False(t, e.Synced)
}

func TestCreate_GeneratesID(t *testing.T) {
	var ids testutil.SequentialIDs
	repo, _, _ := setupRepo(t, WithIDGenerator(ids.Next))

	rec, err := repo.Create(context.Background(), "payments", change.Snapshot{"amount": 5})
	require.NoError(t, err)
	assert.Equal(t, testutil.FixedID(1), rec.ID)
	assert.Equal(t, testutil.FixedID(1), rec.Data["id"])
}

func TestCreate_DefaultIDIsUUID(t *testing.T) {
	repo, _, _ := setupRepo(t)

	rec, err := repo.Create(context.Background(), "payments", change.Snapshot{"amount": 5})
	require.NoError(t, err)
	assert.NoError(t, change.ValidateRecordID(rec.ID))
}

func TestCreate_RejectsCounterIDs(t *testing.T) {
	repo, st, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": "1", "amount": 5})
	assert.ErrorIs(t, err, change.ErrInvalidRecordID)

	n, err := st.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWrites_RejectSnapshotsTooLargeToReplicate(t *testing.T) {
	repo, st, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)
	blob := strings.Repeat("x", change.MaxSnapshotBytes)

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id, "blob": blob})
	assert.ErrorIs(t, err, ErrSnapshotTooLarge)

	_, err = repo.Create(ctx, "payments", change.Snapshot{"id": id, "amount": 1})
	require.NoError(t, err)
	_, err = repo.Update(ctx, "payments", id, change.Snapshot{"blob": blob})
	assert.ErrorIs(t, err, ErrSnapshotTooLarge)

	n, err := st.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rejected writes leave no log entry")
}

func TestCreate_DuplicateID(t *testing.T) {
	repo, _, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id})
	require.NoError(t, err)

	_, err = repo.Create(ctx, "payments", change.Snapshot{"id": id})
	assert.ErrorIs(t, err, ErrRecordExists)
}

func TestUnregisteredTable(t *testing.T) {
	repo, _, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "orders", change.Snapshot{"id": testutil.FixedID(1)})
	assert.ErrorIs(t, err, ErrTableNotReplicated)

	repo.Register("orders")
	_, err = repo.Create(ctx, "orders", change.Snapshot{"id": testutil.FixedID(1)})
	assert.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments"}, repo.Tables())
}

func TestUpdate_BumpsStamp(t *testing.T) {
	repo, st, clock := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id, "amount": 10})
	require.NoError(t, err)

	clock.Set(200)
	rec, err := repo.Update(ctx, "payments", id, change.Snapshot{"amount": 20})
	require.NoError(t, err)
	assert.Equal(t, change.Stamp{Timestamp: 200, Version: 2, NodeID: nodeA}, rec.Stamp)
	assert.Equal(t, id, rec.Data["id"])

	pending, err := st.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, change.OpUpdate, pending[1].Operation)
	assert.Equal(t, json.Number("20"), pending[1].Data["amount"])
}

func TestUpdate_ClockBehindPreviousStamp(t *testing.T) {
	repo, _, clock := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id})
	require.NoError(t, err)

	clock.Set(50)
	rec, err := repo.Update(ctx, "payments", id, change.Snapshot{"amount": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(101), rec.Stamp.Timestamp, "local writes never go back in time")
}

func TestUpdate_Errors(t *testing.T) {
	repo, _, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := repo.Update(ctx, "payments", id, change.Snapshot{"amount": 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = repo.Create(ctx, "payments", change.Snapshot{"id": id})
	require.NoError(t, err)

	_, err = repo.Update(ctx, "payments", id, change.Snapshot{"id": testutil.FixedID(2)})
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestDelete_LogsKeyOnly(t *testing.T) {
	repo, st, clock := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id, "amount": 10})
	require.NoError(t, err)
	clock.Advance(10)

	require.NoError(t, repo.Delete(ctx, "payments", id))

	_, err = repo.Get(ctx, "payments", id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := st.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, change.OpDelete, pending[1].Operation)
	assert.Equal(t, change.Snapshot{"id": id}, pending[1].Data)
	assert.Equal(t, int64(2), pending[1].Version)

	assert.ErrorIs(t, repo.Delete(ctx, "payments", id), store.ErrNotFound)
}

func TestCreate_AfterDeleteSupersedesTombstone(t *testing.T) {
	repo, _, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "payments", id))

	rec, err := repo.Create(ctx, "payments", change.Snapshot{"id": id})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Stamp.Version)
	assert.Equal(t, int64(102), rec.Stamp.Timestamp)
}

func TestListeners_NotifiedAfterCommit(t *testing.T) {
	repo, st, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	l := &recordingListener{}
	repo.Subscribe(l)

	var pendingSeen int
	repo.Subscribe(ListenerFunc(func(string, change.Operation, change.Snapshot) {
		n, err := st.CountPending(ctx)
		require.NoError(t, err)
		pendingSeen = n
	}))

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": id, "amount": 10})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "payments", id))

	require.Len(t, l.events, 2)
	assert.Equal(t, recorded{"payments", change.OpCreate, change.Snapshot{"id": id, "amount": 10}}, l.events[0])
	assert.Equal(t, recorded{"payments", change.OpDelete, change.Snapshot{"id": id}}, l.events[1])
	assert.Equal(t, 2, pendingSeen, "listeners run once the entry is durable")
}

func TestListeners_NotCalledOnFailure(t *testing.T) {
	repo, _, _ := setupRepo(t)
	l := &recordingListener{}
	repo.Subscribe(l)

	_, err := repo.Create(context.Background(), "payments", change.Snapshot{"id": "not-a-uuid"})
	require.Error(t, err)
	assert.Empty(t, l.events)
}

func TestListeners_PanicDoesNotFailWrite(t *testing.T) {
	repo, _, _ := setupRepo(t)
	repo.Subscribe(ListenerFunc(func(string, change.Operation, change.Snapshot) {
		panic("listener bug")
	}))

	_, err := repo.Create(context.Background(), "payments", change.Snapshot{"id": testutil.FixedID(1)})
	assert.NoError(t, err)
}

func TestLogFailureFailsMutation(t *testing.T) {
	repo, st, _ := setupRepo(t)
	ctx := context.Background()
	id := testutil.FixedID(1)

	_, err := st.DB().Exec(`DROP TABLE sync_deliveries`)
	require.NoError(t, err)
	_, err = st.DB().Exec(`DROP TABLE sync_log`)
	require.NoError(t, err)

	_, err = repo.Create(ctx, "payments", change.Snapshot{"id": id})
	require.Error(t, err)

	_, err = st.ReadRecord(ctx, "payments", id)
	assert.ErrorIs(t, err, store.ErrNotFound, "record write must roll back with the log write")
}

func TestMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	repo, _, _ := setupRepo(t, WithMetrics(reg))
	ctx := context.Background()

	_, err := repo.Create(ctx, "payments", change.Snapshot{"id": testutil.FixedID(1)})
	require.NoError(t, err)
	_, err = repo.Create(ctx, "payments", change.Snapshot{"id": testutil.FixedID(1)})
	require.Error(t, err)

	assert.Equal(t, int64(1), reg.Get(metrics.CaptureWritesTotal))
	assert.Equal(t, int64(1), reg.Get(metrics.CaptureFailuresTotal))
}
