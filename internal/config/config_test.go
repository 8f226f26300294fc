package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/meshsync/node.db
listen: ":9090"
publicUrl: https://node-a.example.com
tables: [payments, orders]
directory:
  url: http://directory:7000
  timeout: 2s
  heartbeatInterval: 15s
sync:
  interval: 1m
  batchSize: 50
  sendTimeout: 3s
  eager: false
peers:
  - id: node-b
    url: http://b:8080
rateLimit:
  limit: 5
  burst: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/meshsync/node.db", cfg.Database)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "https://node-a.example.com", cfg.PublicURL)
	assert.Equal(t, []string{"payments", "orders"}, cfg.Tables)
	assert.Equal(t, Directory{
		URL:               "http://directory:7000",
		Timeout:           2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		TTL:               90 * time.Second,
	}, cfg.Directory)
	assert.Equal(t, Sync{Interval: time.Minute, BatchSize: 50, SendTimeout: 3 * time.Second}, cfg.Sync)
	assert.Equal(t, []Peer{{ID: "node-b", URL: "http://b:8080"}}, cfg.Peers)
	assert.Equal(t, RateLimit{Limit: 5, Burst: 10}, cfg.RateLimit)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tables: [payments]\n"))
	require.NoError(t, err)

	def := Default()
	def.Tables = []string{"payments"}
	assert.Equal(t, def, cfg)
	assert.True(t, cfg.Sync.Eager)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)

	_, err = Load(writeConfig(t, "tables: [payments\n"))
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no tables", func(c *Config) { c.Tables = nil }, ErrTablesMissing},
		{"no database", func(c *Config) { c.Database = "" }, ErrDatabaseMissing},
		{"no listen", func(c *Config) { c.Listen = "" }, ErrListenMissing},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, ErrSyncIntervalInvalid},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, ErrSyncBatchSizeInvalid},
		{"zero send timeout", func(c *Config) { c.Sync.SendTimeout = 0 }, ErrSyncSendTimeoutInvalid},
		{"zero directory timeout", func(c *Config) { c.Directory.Timeout = 0 }, ErrDirectoryTimeoutInvalid},
		{"zero heartbeat with directory", func(c *Config) {
			c.Directory.URL = "http://d"
			c.Directory.HeartbeatInterval = 0
		}, ErrHeartbeatIntervalInvalid},
		{"peer without url", func(c *Config) { c.Peers = []Peer{{ID: "node-b"}} }, ErrPeerInvalid},
		{"duplicate peer", func(c *Config) {
			c.Peers = []Peer{{ID: "node-b", URL: "http://b"}, {ID: "node-b", URL: "http://b2"}}
		}, ErrDuplicatePeer},
		{"limit without burst", func(c *Config) { c.RateLimit = RateLimit{Limit: 1} }, ErrRateLimitInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Tables = []string{"payments"}
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_RateLimitDisabled(t *testing.T) {
	cfg := Default()
	cfg.Tables = []string{"payments"}
	cfg.RateLimit = RateLimit{}
	assert.NoError(t, cfg.Validate())
}

func TestDecode_SkipsValidation(t *testing.T) {
	cfg, err := Decode([]byte("listen: \":9001\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Listen)
	assert.ErrorIs(t, cfg.Validate(), ErrTablesMissing)

	_, err = Decode([]byte("listen: [oops"))
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}
