package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/meshsync/internal/change"
)

// Snapshot is what a golden file records for a scenario.
type Snapshot struct {
	Scenario string               `json:"scenario"`
	Trace    []TraceEvent         `json:"trace"`
	State    map[string]NodeState `json:"state"`
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	return change.MarshalCanonical(Snapshot{
		Scenario: name,
		Trace:    result.Trace,
		State:    result.State,
	})
}

// RunWithGolden executes a scenario and compares its trace and final state
// against testdata/golden/{scenario.Name}.golden. Assertion failures fail
// the test as well.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
