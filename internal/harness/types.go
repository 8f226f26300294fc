package harness

import "github.com/roach88/meshsync/internal/change"

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"` // "create", "update", "delete" or "sync"
	Node string `json:"node"`

	// Writes.
	Table     string `json:"table,omitempty"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Version   int64  `json:"version,omitempty"`

	// Sync rounds.
	Pending    int        `json:"pending,omitempty"`
	Synced     int        `json:"synced,omitempty"`
	Deliveries []Delivery `json:"deliveries,omitempty"`
}

// Delivery is one peer's outcome in a sync round.
type Delivery struct {
	Peer   string `json:"peer"`
	Sent   int    `json:"sent"`
	Failed bool   `json:"failed,omitempty"`
}

// RecordState is a live record as seen at the end of a scenario.
type RecordState struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Data      change.Snapshot `json:"data"`
	Origin    string          `json:"origin"` // node name
	Timestamp int64           `json:"timestamp"`
	Version   int64           `json:"version"`
}

// NodeState is a node's final state.
type NodeState struct {
	Pending int           `json:"pending"`
	Records []RecordState `json:"records"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace contains the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final state keyed by node name.
	State map[string]NodeState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]NodeState),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
