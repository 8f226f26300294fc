package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(ctx, h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, h *Harness, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		return assertRecord(ctx, h.nodes[a.Node], a)
	case AssertAbsent:
		return assertAbsent(ctx, h.nodes[a.Node], a)
	case AssertPending:
		return assertPending(ctx, h.nodes[a.Node], a)
	case AssertConverged:
		return assertConverged(ctx, h, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

// assertRecord checks a live record: data is a subset match, the stamp an
// exact one.
func assertRecord(ctx context.Context, n *node, a Assertion) error {
	rec, err := n.store.ReadRecord(ctx, a.Table, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s/%s on %s", a.Table, a.ID, n.name),
			Actual:   "no live record",
		}
	}
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		got, ok := rec.Data[k]
		if !ok || !sameJSON(got, a.Expect[k]) {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s/%s on %s: %s = %v", a.Table, a.ID, n.name, k, a.Expect[k]),
				Actual:   fmt.Sprintf("%s = %v", k, got),
			}
		}
	}

	if a.Stamp != nil {
		want := change.Stamp{Timestamp: a.Stamp.Timestamp, Version: a.Stamp.Version, NodeID: NodeID(a.Stamp.Origin)}
		if rec.Stamp != want {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s/%s on %s stamped %+v", a.Table, a.ID, n.name, want),
				Actual:   fmt.Sprintf("%+v", rec.Stamp),
			}
		}
	}
	return nil
}

func assertAbsent(ctx context.Context, n *node, a Assertion) error {
	rec, err := n.store.ReadRecord(ctx, a.Table, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     AssertAbsent,
		Expected: fmt.Sprintf("no live %s/%s on %s", a.Table, a.ID, n.name),
		Actual:   fmt.Sprintf("record %v stamped %+v", rec.Data, rec.Stamp),
	}
}

func assertPending(ctx context.Context, n *node, a Assertion) error {
	got, err := n.store.CountPending(ctx)
	if err != nil {
		return err
	}
	if got != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending entries on %s", a.Count, n.name),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertConverged compares every node's live records with the first node's,
// data and stamps included.
func assertConverged(ctx context.Context, h *Harness, a Assertion) error {
	base := h.nodes[a.Nodes[0]]
	want, err := tableJSON(ctx, base, a.Table)
	if err != nil {
		return err
	}
	for _, name := range a.Nodes[1:] {
		got, err := tableJSON(ctx, h.nodes[name], a.Table)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s on %s: %s", a.Table, base.name, want),
				Actual:   fmt.Sprintf("%s on %s: %s", a.Table, name, got),
			}
		}
	}
	return nil
}

func tableJSON(ctx context.Context, n *node, table string) ([]byte, error) {
	recs, err := n.store.ListRecords(ctx, table)
	if err != nil {
		return nil, err
	}
	states := make([]RecordState, len(recs))
	for i, r := range recs {
		states[i] = newRecordState(r)
	}
	return change.MarshalCanonical(states)
}

// sameJSON compares values by their canonical JSON form, so the YAML int 20
// matches the stored json.Number "20".
func sameJSON(a, b any) bool {
	x, err := change.MarshalCanonical(a)
	if err != nil {
		return false
	}
	y, err := change.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}
