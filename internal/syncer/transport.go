package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/directory"
)

// ApplyPath is the peer endpoint batches are posted to.
const ApplyPath = "/api/sync/apply"

// NodeIDHeader carries the sender's node id on apply requests.
const NodeIDHeader = "X-Node-ID"

// Transport delivers a batch to one peer. A nil error means the peer
// committed the batch.
type Transport interface {
	Send(ctx context.Context, peer directory.Service, changes []change.Change) (change.BatchResult, error)
}

// DeliveryError describes a failed send to a peer.
type DeliveryError struct {
	PeerID  string
	Status  int // 0 when no response was received
	Message string
	Err     error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("deliver to %s: %v", e.PeerID, e.Err)
	case e.Message != "":
		return fmt.Sprintf("deliver to %s: status %d: %s", e.PeerID, e.Status, e.Message)
	}
	return fmt.Sprintf("deliver to %s: status %d", e.PeerID, e.Status)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is a network-level or server-side
// condition. Either way the batch stays pending for this peer and is retried
// next round.
func (e *DeliveryError) Transient() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// HTTPTransport posts batches as JSON to <peer.URL>/api/sync/apply.
type HTTPTransport struct {
	Client *http.Client
	NodeID string
}

// NewHTTPTransport creates a transport identifying itself as nodeID.
func NewHTTPTransport(nodeID string) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{}, NodeID: nodeID}
}

// Send posts the batch and decodes the peer's BatchResult.
func (t *HTTPTransport) Send(ctx context.Context, peer directory.Service, changes []change.Change) (change.BatchResult, error) {
	body, err := json.Marshal(change.Batch{Changes: changes})
	if err != nil {
		return change.BatchResult{}, fmt.Errorf("encode batch: %w", err)
	}

	url := strings.TrimRight(peer.URL, "/") + ApplyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return change.BatchResult{}, &DeliveryError{PeerID: peer.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(NodeIDHeader, t.NodeID)

	resp, err := t.Client.Do(req)
	if err != nil {
		return change.BatchResult{}, &DeliveryError{PeerID: peer.ID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return change.BatchResult{}, &DeliveryError{PeerID: peer.ID, Status: resp.StatusCode, Err: err}
	}

	var result change.BatchResult
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode != http.StatusOK {
		msg := result.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return result, &DeliveryError{PeerID: peer.ID, Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return result, &DeliveryError{PeerID: peer.ID, Status: resp.StatusCode, Err: fmt.Errorf("decode result: %w", decodeErr)}
	}
	if !result.Success {
		return result, &DeliveryError{PeerID: peer.ID, Status: resp.StatusCode, Message: result.Error}
	}
	return result, nil
}

// IsTransient reports whether err is a transient delivery failure.
func IsTransient(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Transient()
}
