package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultServiceTTL is how long a registration lives without a heartbeat.
const DefaultServiceTTL = 90 * time.Second

// Server is an in-memory directory service.
//
// Registrations are kept in a TTL cache keyed by node id. Each register or
// heartbeat resets the entry's TTL; nodes that stop heartbeating drop out of
// GET /services once their TTL passes.
type Server struct {
	services *ttlcache.Cache[string, string]
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default: slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a directory whose registrations expire after ttl.
// Call Start to begin evicting expired entries and Stop to release it.
func NewServer(ttl time.Duration, opts ...ServerOption) *Server {
	if ttl <= 0 {
		ttl = DefaultServiceTTL
	}
	s := &Server{
		services: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](), // only heartbeats extend a registration
		),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.services.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.logger.Info("service expired", "id", item.Key(), "url", item.Value())
		}
	})
	return s
}

// Start runs the expiry loop. Blocks until Stop is called.
func (s *Server) Start() {
	s.services.Start()
}

// Stop ends the expiry loop.
func (s *Server) Stop() {
	s.services.Stop()
}

// Handler returns the directory's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("POST /register-service", s.handleRegister)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	return mux
}

// Services returns live registrations sorted by id.
func (s *Server) Services() []Service {
	items := s.services.Items()
	out := make([]Service, 0, len(items))
	for id, item := range items {
		if item.IsExpired() {
			continue
		}
		out = append(out, Service{ID: id, URL: item.Value()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Services())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	reg, ok := decodeRegistration(w, r)
	if !ok {
		return
	}
	prev := s.services.Get(reg.ServiceName)
	s.services.Set(reg.ServiceName, reg.ServiceURL, ttlcache.DefaultTTL)

	if prev == nil || prev.Value() != reg.ServiceURL {
		s.logger.Info("service registered", "id", reg.ServiceName, "url", reg.ServiceURL)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Heartbeats for unknown nodes register them, so a directory restart heals
// itself within one heartbeat interval.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reg, ok := decodeRegistration(w, r)
	if !ok {
		return
	}
	prev := s.services.Get(reg.ServiceName)
	s.services.Set(reg.ServiceName, reg.ServiceURL, ttlcache.DefaultTTL)

	if prev == nil {
		s.logger.Info("service registered by heartbeat", "id", reg.ServiceName, "url", reg.ServiceURL)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeRegistration(w http.ResponseWriter, r *http.Request) (registration, bool) {
	var reg registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return reg, false
	}
	if err := reg.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return reg, false
	}
	return reg, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
