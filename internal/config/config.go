// Package config loads a node's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Directory struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	TTL               time.Duration `yaml:"ttl"` // used by `meshsync directory`
}

type Sync struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batchSize"`
	SendTimeout time.Duration `yaml:"sendTimeout"`
	Eager       bool          `yaml:"eager"`
}

// Peer is a statically configured peer, used when no directory is set.
type Peer struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type RateLimit struct {
	Limit float64 `yaml:"limit"` // Requests per second per sender; 0 disables
	Burst int     `yaml:"burst"` // Burst size
}

type Config struct {
	Database  string    `yaml:"database"`
	Listen    string    `yaml:"listen"`
	PublicURL string    `yaml:"publicUrl"` // empty: derived from the first usable interface
	Tables    []string  `yaml:"tables"`
	Directory Directory `yaml:"directory"`
	Sync      Sync      `yaml:"sync"`
	Peers     []Peer    `yaml:"peers"`
	RateLimit RateLimit `yaml:"rateLimit"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrDatabaseMissing          = errors.New("database is missing in config")
	ErrListenMissing            = errors.New("listen is missing in config")
	ErrTablesMissing            = errors.New("no replicated tables defined in config")
	ErrSyncIntervalInvalid      = errors.New("sync.interval must be positive")
	ErrSyncBatchSizeInvalid     = errors.New("sync.batchSize must be positive")
	ErrSyncSendTimeoutInvalid   = errors.New("sync.sendTimeout must be positive")
	ErrDirectoryTimeoutInvalid  = errors.New("directory.timeout must be positive")
	ErrHeartbeatIntervalInvalid = errors.New("directory.heartbeatInterval must be positive")
	ErrPeerInvalid              = errors.New("peers need both id and url")
	ErrDuplicatePeer            = errors.New("duplicate peer id in config")
	ErrRateLimitInvalid         = errors.New("rateLimit.burst must be positive when rateLimit.limit is set")
)

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Database: "meshsync.db",
		Listen:   ":8080",
		Directory: Directory{
			Timeout:           5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			TTL:               90 * time.Second,
		},
		Sync: Sync{
			Interval:    30 * time.Second,
			BatchSize:   100,
			SendTimeout: 10 * time.Second,
			Eager:       true,
		},
		RateLimit: RateLimit{
			Limit: 20,
			Burst: 40,
		},
	}
}

// Load reads configFile over Default and validates the result.
func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes YAML over Default without validating, for callers that
// apply overrides first.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	return cfg, nil
}

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	if c.Database == "" {
		return ErrDatabaseMissing
	}
	if c.Listen == "" {
		return ErrListenMissing
	}
	if len(c.Tables) == 0 {
		return ErrTablesMissing
	}

	if c.Sync.Interval <= 0 {
		return ErrSyncIntervalInvalid
	}
	if c.Sync.BatchSize <= 0 {
		return ErrSyncBatchSizeInvalid
	}
	if c.Sync.SendTimeout <= 0 {
		return ErrSyncSendTimeoutInvalid
	}

	if c.Directory.Timeout <= 0 {
		return ErrDirectoryTimeoutInvalid
	}
	if c.Directory.URL != "" && c.Directory.HeartbeatInterval <= 0 {
		return ErrHeartbeatIntervalInvalid
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.URL == "" {
			return ErrPeerInvalid
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID)
		}
		seen[p.ID] = true
	}

	if c.RateLimit.Limit > 0 && c.RateLimit.Burst <= 0 {
		return ErrRateLimitInvalid
	}
	return nil
}
