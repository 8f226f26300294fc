package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tables lists the replicated tables every node registers.
	Tables []string `yaml:"tables"`

	// Nodes lists node names. Node "a" runs as "node-a".
	Nodes []string `yaml:"nodes"`

	// Steps run in order: local writes and sync rounds.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is exactly one of a local write (Create, Update, Delete on Node) or
// a sync round (Sync).
type Step struct {
	Node   string    `yaml:"node,omitempty"`
	At     int64     `yaml:"at,omitempty"`
	Create *Write    `yaml:"create,omitempty"`
	Update *Write    `yaml:"update,omitempty"`
	Delete *Write    `yaml:"delete,omitempty"`
	Sync   *SyncStep `yaml:"sync,omitempty"`
}

// Write is a local mutation. Data is ignored for deletes.
type Write struct {
	Table string         `yaml:"table"`
	ID    string         `yaml:"id"`
	Data  map[string]any `yaml:"data,omitempty"`
}

// SyncStep runs one round on From with the directory reporting To.
type SyncStep struct {
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
	Down []string `yaml:"down,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of record, absent, pending, converged.
	Type string `yaml:"type"`

	// Node is the node inspected (record, absent, pending).
	Node string `yaml:"node,omitempty"`

	// Nodes are compared with each other (converged).
	Nodes []string `yaml:"nodes,omitempty"`

	Table string `yaml:"table,omitempty"`
	ID    string `yaml:"id,omitempty"`

	// Expect is a subset match on the record's data (record).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Stamp, when set, must equal the record's stamp (record).
	Stamp *StampExpect `yaml:"stamp,omitempty"`

	// Count is the expected number of pending entries (pending).
	Count int `yaml:"count,omitempty"`
}

// StampExpect names the origin by node name.
type StampExpect struct {
	Timestamp int64  `yaml:"timestamp"`
	Version   int64  `yaml:"version"`
	Origin    string `yaml:"origin"`
}

// Assertion type constants.
const (
	AssertRecord    = "record"
	AssertAbsent    = "absent"
	AssertPending   = "pending"
	AssertConverged = "converged"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is inconsistent.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("tables list is required and must be non-empty")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("node names must be non-empty")
		}
		if seen[n] {
			return fmt.Errorf("duplicate node %q", n)
		}
		seen[n] = true
	}
	known := func(n string) bool { return seen[n] }

	for i, step := range s.Steps {
		if err := validateStep(step, s.Tables, known); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, known); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, tables []string, known func(string) bool) error {
	kinds := 0
	var w *Write
	for _, candidate := range []*Write{step.Create, step.Update, step.Delete} {
		if candidate != nil {
			kinds++
			w = candidate
		}
	}
	if step.Sync != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("exactly one of create, update, delete, sync is required")
	}

	if step.Sync != nil {
		if step.Node != "" || step.At != 0 {
			return fmt.Errorf("node and at do not apply to sync steps")
		}
		if !known(step.Sync.From) {
			return fmt.Errorf("sync.from: unknown node %q", step.Sync.From)
		}
		for _, n := range step.Sync.To {
			if !known(n) {
				return fmt.Errorf("sync.to: unknown node %q", n)
			}
		}
		for _, n := range step.Sync.Down {
			if !slices.Contains(step.Sync.To, n) {
				return fmt.Errorf("sync.down: %q is not listed in sync.to", n)
			}
		}
		return nil
	}

	if !known(step.Node) {
		return fmt.Errorf("unknown node %q", step.Node)
	}
	if !slices.Contains(tables, w.Table) {
		return fmt.Errorf("table %q is not replicated", w.Table)
	}
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func validateAssertion(a Assertion, known func(string) bool) error {
	switch a.Type {
	case AssertRecord, AssertAbsent:
		if !known(a.Node) {
			return fmt.Errorf("unknown node %q", a.Node)
		}
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("table and id are required for %s", a.Type)
		}
		if a.Stamp != nil && !known(a.Stamp.Origin) {
			return fmt.Errorf("stamp.origin: unknown node %q", a.Stamp.Origin)
		}
	case AssertPending:
		if !known(a.Node) {
			return fmt.Errorf("unknown node %q", a.Node)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertConverged:
		if len(a.Nodes) < 2 {
			return fmt.Errorf("converged needs at least two nodes")
		}
		for _, n := range a.Nodes {
			if !known(n) {
				return fmt.Errorf("unknown node %q", n)
			}
		}
		if a.Table == "" {
			return fmt.Errorf("table is required for converged")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
