package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/metrics"
)

// DefaultHeartbeatInterval is how often a node refreshes its registration.
const DefaultHeartbeatInterval = 30 * time.Second

// Registrar is the part of the directory the announcer needs. *Client
// implements it.
type Registrar interface {
	Register(ctx context.Context, nodeID, url string) error
	Heartbeat(ctx context.Context, nodeID, url string) error
}

// Announcer keeps this node registered with the directory.
type Announcer struct {
	registrar Registrar
	resolver  AddressResolver
	nodeID    string
	interval  time.Duration
	policy    RetryPolicy
	logger    *slog.Logger
	metrics   *metrics.Registry

	mu        sync.RWMutex
	url       string
	ready     chan struct{}
	readyOnce sync.Once
}

// AnnouncerOption configures an Announcer.
type AnnouncerOption func(*Announcer)

// WithHeartbeatInterval sets the heartbeat period. Default: 30s.
func WithHeartbeatInterval(d time.Duration) AnnouncerOption {
	return func(a *Announcer) {
		a.interval = d
	}
}

// WithAcquirePolicy sets the backoff used while acquiring an address.
// MaxRetries is forced negative: acquisition never gives up.
func WithAcquirePolicy(p RetryPolicy) AnnouncerOption {
	return func(a *Announcer) {
		p.MaxRetries = -1
		a.policy = p
	}
}

// WithAnnouncerLogger sets the logger. Default: slog.Default().
func WithAnnouncerLogger(l *slog.Logger) AnnouncerOption {
	return func(a *Announcer) {
		a.logger = l
	}
}

// WithAnnouncerMetrics sets the metrics registry.
func WithAnnouncerMetrics(m *metrics.Registry) AnnouncerOption {
	return func(a *Announcer) {
		a.metrics = m
	}
}

// NewAnnouncer creates an announcer for nodeID.
func NewAnnouncer(reg Registrar, resolver AddressResolver, nodeID string, opts ...AnnouncerOption) *Announcer {
	a := &Announcer{
		registrar: reg,
		resolver:  resolver,
		nodeID:    nodeID,
		interval:  DefaultHeartbeatInterval,
		policy:    DefaultAcquirePolicy,
		logger:    slog.Default(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// URL returns the currently announced address, or "" before acquisition.
func (a *Announcer) URL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.url
}

// Ready is closed once an address has been acquired for the first time.
func (a *Announcer) Ready() <-chan struct{} {
	return a.ready
}

// Start acquires an address, registers, and heartbeats until ctx ends.
// Returns ctx.Err() if ctx ends before an address could be acquired.
func (a *Announcer) Start(ctx context.Context) error {
	url, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	a.setURL(url)
	a.register(ctx, url)

	var changes <-chan string
	if w, ok := a.resolver.(AddressWatcher); ok {
		changes = w.AddressChanges()
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx)
		case next, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if next == "" {
				a.logger.Warn("public address lost, acquiring again")
				if next, err = a.acquire(ctx); err != nil {
					return nil
				}
			}
			if next == a.URL() {
				continue
			}
			a.logger.Info("public address changed", "old", a.URL(), "new", next)
			a.setURL(next)
			a.register(ctx, next)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Announcer) acquire(ctx context.Context) (string, error) {
	var url string
	err := Retry(ctx, a.policy, func() error {
		u, err := a.resolver.AcquirePublicAddress(ctx)
		if err != nil {
			a.metrics.Inc(metrics.AddressAcquireRetries)
			a.logger.Warn("acquire public address failed", "error", err)
			return err
		}
		url = u
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

func (a *Announcer) setURL(url string) {
	a.mu.Lock()
	a.url = url
	a.mu.Unlock()
	a.readyOnce.Do(func() { close(a.ready) })
}

// A failed registration is not retried here; the next heartbeat registers
// the node as well.
func (a *Announcer) register(ctx context.Context, url string) {
	if err := a.registrar.Register(ctx, a.nodeID, url); err != nil {
		a.logger.Warn("register with directory failed", "url", url, "error", err)
		return
	}
	a.logger.Info("registered with directory", "node", a.nodeID, "url", url)
}

func (a *Announcer) heartbeat(ctx context.Context) {
	if err := a.registrar.Heartbeat(ctx, a.nodeID, a.URL()); err != nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}
}
