package node

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/directory"
	"github.com/roach88/meshsync/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "node.db")
	cfg.Listen = "127.0.0.1:0"
	cfg.PublicURL = "http://127.0.0.1:1"
	cfg.Tables = []string{"payments"}
	cfg.Sync.Interval = time.Hour
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, opts ...Option) (*Node, *httptest.Server) {
	t.Helper()
	n, err := New(cfg, append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return n, srv
}

func startDirectory(t *testing.T) *httptest.Server {
	t.Helper()
	dir := directory.NewServer(time.Minute, directory.WithServerLogger(discard))
	go dir.Start()
	t.Cleanup(dir.Stop)

	srv := httptest.NewServer(dir.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestTwoNodeScenario(t *testing.T) {
	ctx := context.Background()
	dirSrv := startDirectory(t)

	cfgA := testConfig(t)
	cfgA.Directory.URL = dirSrv.URL
	cfgB := testConfig(t)
	cfgB.Directory.URL = dirSrv.URL

	clockA := testutil.NewManualClock(100)
	a, srvA := startNode(t, cfgA, WithClock(clockA))
	b, srvB := startNode(t, cfgB, WithClock(testutil.NewManualClock(100)))

	dir := directory.NewClient(dirSrv.URL)
	require.NoError(t, dir.Register(ctx, a.ID(), srvA.URL))
	require.NoError(t, dir.Register(ctx, b.ID(), srvB.URL))

	id := testutil.FixedID(1)

	// A creates the payment at t=100; one round later B has it.
	_, err := a.Records().Create(ctx, "payments", change.Snapshot{"id": id, "amount": 10})
	require.NoError(t, err)

	round, ran := a.Sync().Trigger(ctx)
	require.True(t, ran)
	require.NoError(t, round.Err)
	assert.Equal(t, 1, round.Synced)

	rec, err := b.Records().Get(ctx, "payments", id)
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), rec.Data["amount"])
	assert.Equal(t, change.Stamp{Timestamp: 100, Version: 1, NodeID: a.ID()}, rec.Stamp)

	// A updates at t=200; B converges on the newer value.
	clockA.Set(200)
	_, err = a.Records().Update(ctx, "payments", id, change.Snapshot{"amount": 20})
	require.NoError(t, err)

	round, ran = a.Sync().Trigger(ctx)
	require.True(t, ran)
	require.NoError(t, round.Err)
	assert.Equal(t, 1, round.Synced)

	rec, err = b.Records().Get(ctx, "payments", id)
	require.NoError(t, err)
	assert.Equal(t, json.Number("20"), rec.Data["amount"])
	assert.Equal(t, change.Stamp{Timestamp: 200, Version: 2, NodeID: a.ID()}, rec.Stamp)

	// Applied changes are logged as synced on B, so nothing echoes back.
	pending, err := b.Store().CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	round, _ = b.Sync().Trigger(ctx)
	assert.Zero(t, round.Pending)
	assert.Empty(t, round.Peers)
}

func TestZeroPeerConvergence(t *testing.T) {
	ctx := context.Background()
	n, _ := startNode(t, testConfig(t))

	for i := 1; i <= 3; i++ {
		_, err := n.Records().Create(ctx, "payments", change.Snapshot{"id": testutil.FixedID(int64(i)), "amount": i})
		require.NoError(t, err)
	}

	round, ran := n.Sync().Trigger(ctx)
	require.True(t, ran)
	require.NoError(t, round.Err)
	assert.Equal(t, 3, round.Synced)

	pending, err := n.Store().CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStaticPeers(t *testing.T) {
	ctx := context.Background()
	b, srvB := startNode(t, testConfig(t))

	cfgA := testConfig(t)
	cfgA.Peers = []config.Peer{{ID: b.ID(), URL: srvB.URL}}
	a, _ := startNode(t, cfgA)

	rec, err := a.Records().Create(ctx, "payments", change.Snapshot{"amount": 5})
	require.NoError(t, err)

	round, _ := a.Sync().Trigger(ctx)
	require.Len(t, round.Peers, 1)
	assert.NoError(t, round.Peers[0].Err)
	assert.Equal(t, 1, round.Peers[0].Sent)

	got, err := b.Records().Get(ctx, "payments", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Stamp, got.Stamp)
}

func TestIdentityPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)

	n, err := New(cfg, WithLogger(discard))
	require.NoError(t, err)
	first := n.ID()
	require.NoError(t, n.Close())

	assert.True(t, change.IsNodeID(first))
	assert.Error(t, change.ValidateRecordID(first), "node ids never collide with record ids")

	n, err = New(cfg, WithLogger(discard))
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, first, n.ID())
}

func TestNew_StartupFailures(t *testing.T) {
	t.Run("UnopenableStore", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database = "/nonexistent/dir/node.db"
		_, err := New(cfg, WithLogger(discard))
		assert.Error(t, err)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tables = nil
		_, err := New(cfg, WithLogger(discard))
		assert.ErrorIs(t, err, config.ErrTablesMissing)
	})

	t.Run("NoPortForInterfaceResolver", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.PublicURL = ""
		cfg.Directory.URL = "http://127.0.0.1:1"
		_, err := New(cfg, WithLogger(discard))
		assert.Error(t, err)
	})
}

func TestServe_EagerRoundAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, srvB := startNode(t, testConfig(t))

	cfgA := testConfig(t)
	cfgA.Peers = []config.Peer{{ID: b.ID(), URL: srvB.URL}}
	a, err := New(cfgA, WithLogger(discard))
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := a.Records().Create(context.Background(), "payments", change.Snapshot{"amount": 1})
	require.NoError(t, err)

	// The interval is an hour, so only an eager round can deliver. Commits
	// before the loop starts are not signalled, hence the repeated nudge.
	require.Eventually(t, func() bool {
		a.Sync().OnCommitted("payments", change.OpCreate, nil)
		_, err := b.Records().Get(context.Background(), "payments", rec.ID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, a.Sync().Running())
}
