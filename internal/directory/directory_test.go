package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDirectory(t *testing.T, ttl time.Duration) (*Server, *Client) {
	t.Helper()
	srv := NewServer(ttl, WithServerLogger(quietLogger()))
	go srv.Start()
	t.Cleanup(srv.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, NewClient(ts.URL, WithTimeout(time.Second), WithClientLogger(quietLogger()))
}

func TestClient_RegisterAndList(t *testing.T) {
	_, client := newTestDirectory(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, "node-b", "http://b:8080"))
	require.NoError(t, client.Register(ctx, "node-a", "http://a:8080"))

	services, err := client.Services(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Service{
		{ID: "node-a", URL: "http://a:8080"},
		{ID: "node-b", URL: "http://b:8080"},
	}, services)
}

func TestClient_EmptyDirectory(t *testing.T) {
	_, client := newTestDirectory(t, time.Minute)

	services, err := client.Services(context.Background())
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestServer_HeartbeatRegistersUnknownNode(t *testing.T) {
	_, client := newTestDirectory(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, client.Heartbeat(ctx, "node-a", "http://a:8080"))
	require.NoError(t, client.Heartbeat(ctx, "node-a", "http://a:8080"))

	services, err := client.Services(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Service{{ID: "node-a", URL: "http://a:8080"}}, services)
}

func TestServer_ReRegisterUpdatesURL(t *testing.T) {
	srv, client := newTestDirectory(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, "node-a", "http://old:8080"))
	require.NoError(t, client.Register(ctx, "node-a", "http://new:8080"))

	assert.Equal(t, []Service{{ID: "node-a", URL: "http://new:8080"}}, srv.Services())
}

func TestServer_RegistrationsExpireWithoutHeartbeat(t *testing.T) {
	srv, client := newTestDirectory(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, "node-a", "http://a:8080"))
	require.NoError(t, client.Register(ctx, "node-b", "http://b:8080"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, client.Heartbeat(ctx, "node-a", "http://a:8080"))
		if len(srv.Services()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, []Service{{ID: "node-a", URL: "http://a:8080"}}, srv.Services())
}

func TestServer_RejectsBadRegistrations(t *testing.T) {
	srv := NewServer(time.Minute, WithServerLogger(quietLogger()))
	handler := srv.Handler()

	bodies := []string{
		`not json`,
		`{"serviceName": "", "serviceUrl": "http://a"}`,
		`{"serviceName": "node-a"}`,
	}
	for _, path := range []string{"/register-service", "/heartbeat"} {
		for _, body := range bodies {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", path, body)
		}
	}
	assert.Empty(t, srv.Services())
}

func TestClient_StatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	reg := metrics.NewRegistry()
	client := NewClient(ts.URL, WithClientMetrics(reg), WithClientLogger(quietLogger()))

	_, err := client.Services(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "services", se.Op)

	err = client.Heartbeat(context.Background(), "node-a", "http://a")
	require.Error(t, err)

	assert.Equal(t, int64(1), reg.Get(metrics.DirectoryLookupFailures))
	assert.Equal(t, int64(1), reg.Get(metrics.HeartbeatFailuresTotal))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	client := NewClient(ts.URL, WithTimeout(50*time.Millisecond), WithClientLogger(quietLogger()))

	start := time.Now()
	_, err := client.Services(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := NewClient(url, WithClientLogger(quietLogger()))
	_, err := client.Services(context.Background())
	assert.Error(t, err)
}
