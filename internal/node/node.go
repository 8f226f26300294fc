// Package node assembles a replicating node from its configuration: the
// local store and identity, the write path, the apply and sync engines,
// directory registration and the HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/api"
	"github.com/roach88/meshsync/internal/apply"
	"github.com/roach88/meshsync/internal/capture"
	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/directory"
	"github.com/roach88/meshsync/internal/metrics"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/syncer"
)

// ShutdownTimeout bounds how long Run waits for open requests on exit.
const ShutdownTimeout = 5 * time.Second

// Node is one replicating participant.
type Node struct {
	cfg     *config.Config
	id      string
	logger  *slog.Logger
	metrics *metrics.Registry

	store     *store.Store
	repo      *capture.Repository
	applier   *apply.Engine
	sync      *syncer.Engine
	announcer *directory.Announcer
	handler   *api.Handler
	server    *http.Server

	clock     change.Clock
	transport syncer.Transport
	peers     syncer.Directory
	resolver  directory.AddressResolver
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// WithClock sets the clock that stamps local writes.
func WithClock(c change.Clock) Option {
	return func(n *Node) {
		n.clock = c
	}
}

// WithTransport replaces the HTTP transport used to reach peers.
func WithTransport(t syncer.Transport) Option {
	return func(n *Node) {
		n.transport = t
	}
}

// WithPeers replaces the peer source derived from the configuration.
func WithPeers(d syncer.Directory) Option {
	return func(n *Node) {
		n.peers = d
	}
}

// WithResolver replaces the public address resolver.
func WithResolver(r directory.AddressResolver) Option {
	return func(n *Node) {
		n.resolver = r
	}
}

// ErrStoreUnavailable wraps failures to open the local store.
var ErrStoreUnavailable = errors.New("open store")

// New opens the store, establishes the node identity and wires every
// component. Any failure here is a startup failure and leaves nothing open.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.NewRegistry(),
		clock:   change.WallClock{},
	}
	for _, opt := range opts {
		opt(n)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	n.store = st

	if err := n.wire(); err != nil {
		st.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) wire() error {
	cfg := n.cfg

	id, err := n.store.EnsureNodeID(context.Background(), change.NewNodeID)
	if err != nil {
		return fmt.Errorf("establish node identity: %w", err)
	}
	n.id = id
	n.logger = n.logger.With("node", id)

	n.repo = capture.NewRepository(n.store, id,
		capture.WithTables(cfg.Tables...),
		capture.WithClock(n.clock),
		capture.WithLogger(n.logger),
		capture.WithMetrics(n.metrics))

	n.applier = apply.New(n.store, id,
		apply.WithLogger(n.logger),
		apply.WithMetrics(n.metrics))

	var client *directory.Client
	if cfg.Directory.URL != "" {
		client = directory.NewClient(cfg.Directory.URL,
			directory.WithTimeout(cfg.Directory.Timeout),
			directory.WithClientLogger(n.logger),
			directory.WithClientMetrics(n.metrics))
	}

	if n.peers == nil {
		if client != nil {
			n.peers = client
		} else {
			n.peers = staticPeers(cfg.Peers)
		}
	}
	if n.transport == nil {
		n.transport = syncer.NewHTTPTransport(id)
	}

	n.sync = syncer.New(n.store, id, n.peers, n.transport,
		syncer.WithInterval(cfg.Sync.Interval),
		syncer.WithBatchSize(cfg.Sync.BatchSize),
		syncer.WithSendTimeout(cfg.Sync.SendTimeout),
		syncer.WithDirectoryTimeout(cfg.Directory.Timeout),
		syncer.WithEager(cfg.Sync.Eager),
		syncer.WithLogger(n.logger),
		syncer.WithMetrics(n.metrics))
	n.repo.Subscribe(n.sync)

	if client != nil {
		if n.resolver == nil {
			n.resolver, err = resolverFor(cfg)
			if err != nil {
				return err
			}
		}
		n.announcer = directory.NewAnnouncer(client, n.resolver, id,
			directory.WithHeartbeatInterval(cfg.Directory.HeartbeatInterval),
			directory.WithAnnouncerLogger(n.logger),
			directory.WithAnnouncerMetrics(n.metrics))
	}

	n.handler = api.NewHandler(api.Deps{
		NodeID:  id,
		Records: n.repo,
		Applier: n.applier,
		Log:     n.store,
		Sync:    n.sync,
		Metrics: n.metrics,
		Logger:  n.logger,
		RateLimit: api.RateLimit{
			Limit: cfg.RateLimit.Limit,
			Burst: cfg.RateLimit.Burst,
		},
	})
	n.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.RegisterRoutes(http.NewServeMux(), n.handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func staticPeers(peers []config.Peer) syncer.StaticDirectory {
	out := make(syncer.StaticDirectory, len(peers))
	for i, p := range peers {
		out[i] = directory.Service{ID: p.ID, URL: p.URL}
	}
	return out
}

// resolverFor uses the configured public URL, or else the first usable
// interface address with the listen port.
func resolverFor(cfg *config.Config) (directory.AddressResolver, error) {
	if cfg.PublicURL != "" {
		return directory.StaticResolver(cfg.PublicURL), nil
	}
	_, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("listen address %q needs a fixed port when publicUrl is unset", cfg.Listen)
	}
	return directory.InterfaceResolver{Port: port}, nil
}

// ID returns the persistent node identity.
func (n *Node) ID() string { return n.id }

// Records returns the local write path.
func (n *Node) Records() *capture.Repository { return n.repo }

// Sync returns the sync engine.
func (n *Node) Sync() *syncer.Engine { return n.sync }

// Store returns the local store.
func (n *Node) Store() *store.Store { return n.store }

// Metrics returns the node's counters.
func (n *Node) Metrics() *metrics.Registry { return n.metrics }

// Handler returns the node's HTTP API.
func (n *Node) Handler() http.Handler { return n.server.Handler }

// Run serves the API, schedules sync rounds and announces the node until
// ctx ends or the listener fails. On exit no new rounds start, the server
// drains, and in-flight rounds are waited for.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.Listen, err)
	}
	return n.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		err := n.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	n.logger.Info("node started", "listen", ln.Addr().String(), "tables", n.repo.Tables())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.sync.Start(ctx)
	}()
	if n.announcer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.announcer.Start(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error("announcer stopped", "error", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("serve http: %w", err)
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer stop()
	if shutdownErr := n.server.Shutdown(shutdownCtx); shutdownErr != nil {
		n.logger.Warn("http shutdown", "error", shutdownErr)
	}

	wg.Wait()
	n.sync.Wait()
	n.logger.Info("node stopped")
	return err
}

// Close releases the store and the API's background work.
func (n *Node) Close() error {
	n.handler.Close()
	return n.store.Close()
}
