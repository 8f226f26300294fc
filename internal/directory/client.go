package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/meshsync/internal/metrics"
)

// DefaultTimeout bounds every directory call so an unreachable directory
// never stalls the caller.
const DefaultTimeout = 5 * time.Second

// Client talks to a directory service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Registry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout. Default: DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClientMetrics sets the metrics registry.
func WithClientMetrics(m *metrics.Registry) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client for the directory at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Services returns the live nodes known to the directory.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	c.metrics.Inc(metrics.DirectoryLookupsTotal)

	var out []Service
	if err := c.do(ctx, http.MethodGet, "/services", nil, &out); err != nil {
		c.metrics.Inc(metrics.DirectoryLookupFailures)
		return nil, fmt.Errorf("list services: %w", err)
	}
	c.logger.Debug("directory lookup", "services", len(out))
	return out, nil
}

// Register announces nodeID at url.
func (c *Client) Register(ctx context.Context, nodeID, url string) error {
	c.metrics.Inc(metrics.DirectoryRegistersTotal)
	body := registration{ServiceName: nodeID, ServiceURL: url}
	if err := c.do(ctx, http.MethodPost, "/register-service", body, nil); err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	return nil
}

// Heartbeat refreshes the registration of nodeID. Idempotent.
func (c *Client) Heartbeat(ctx context.Context, nodeID, url string) error {
	c.metrics.Inc(metrics.HeartbeatRunsTotal)
	body := registration{ServiceName: nodeID, ServiceURL: url}
	if err := c.do(ctx, http.MethodPost, "/heartbeat", body, nil); err != nil {
		c.metrics.Inc(metrics.HeartbeatFailuresTotal)
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Op: strings.TrimPrefix(path, "/"), Code: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
