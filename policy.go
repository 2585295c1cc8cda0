package schoolsync

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// MergeRules declares per-field authority for the Merge strategy. Fields in
// neither set fall back to non-null preference with the server winning ties.
type MergeRules struct {
	// ClientFields prefer the client value when present (progress,
	// completion, measurement fields the device is the source of truth for).
	ClientFields []string `yaml:"client_fields"`

	// ServerFields always take the server value, even when only the client
	// changed them locally (rankings, levels, computed aggregates).
	ServerFields []string `yaml:"server_fields"`
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CollectionPolicy is the static per-collection sync policy: the default
// priority and conflict strategy for operations that do not override them,
// the pull-order parent, and merge field authority.
type CollectionPolicy struct {
	Priority Priority
	Strategy Strategy

	// Parent orders the pull phase: parents are pulled before children so
	// foreign references resolve against an up-to-date cache. Empty for
	// root collections.
	Parent string

	// RequiredFields are validated at the enqueue boundary; a payload
	// missing one is rejected as a validation failure.
	RequiredFields []string

	Merge MergeRules
}

// PolicyTable maps collection names to their sync policies and derives the
// pull order. Construct with NewPolicyTable so the parent graph is validated
// for cycles and dangling references up front.
type PolicyTable struct {
	policies  map[string]CollectionPolicy
	pullOrder []string
}

// NewPolicyTable validates the policy set and computes the topologically
// sorted pull order (parents before children).
func NewPolicyTable(policies map[string]CollectionPolicy) (*PolicyTable, error) {
	for name, p := range policies {
		if !p.Strategy.Valid() {
			return nil, fmt.Errorf("collection %q: invalid conflict strategy %q", name, p.Strategy)
		}
		if p.Priority < PriorityImmediate || p.Priority > PriorityLow {
			return nil, fmt.Errorf("collection %q: invalid priority %d", name, p.Priority)
		}
		if p.Parent != "" {
			if _, ok := policies[p.Parent]; !ok {
				return nil, fmt.Errorf("collection %q: unknown parent %q", name, p.Parent)
			}
		}
	}

	order, err := topoSort(policies)
	if err != nil {
		return nil, err
	}

	return &PolicyTable{policies: policies, pullOrder: order}, nil
}

// topoSort orders collections parents-first. Sibling order is alphabetical
// so the pull order is deterministic across restarts.
func topoSort(policies map[string]CollectionPolicy) ([]string, error) {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("collection dependency cycle involving %q", name)
		}
		state[name] = visiting
		if parent := policies[name].Parent; parent != "" {
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// Lookup returns the policy for a collection.
func (t *PolicyTable) Lookup(collection string) (CollectionPolicy, bool) {
	p, ok := t.policies[collection]
	return p, ok
}

// PullOrder returns the validated parents-first collection order.
func (t *PolicyTable) PullOrder() []string {
	out := make([]string, len(t.pullOrder))
	copy(out, t.pullOrder)
	return out
}

// Collections returns all known collection names in pull order.
func (t *PolicyTable) Collections() []string {
	return t.PullOrder()
}

// DefaultPolicies returns the built-in school-domain policy table.
//
// Attendance is client-authoritative and syncs immediately: the teacher in
// the room is the source of truth and the record must reach the backend as
// soon as connectivity allows. Rankings are computed server-side and can
// batch at low priority. Practice sessions merge because students and the
// server both annotate them.
func DefaultPolicies() *PolicyTable {
	table, err := NewPolicyTable(map[string]CollectionPolicy{
		"tenants": {
			Priority: PriorityNormal,
			Strategy: StrategyServerWins,
		},
		"student_profiles": {
			Priority:       PriorityNormal,
			Strategy:       StrategyMerge,
			Parent:         "tenants",
			RequiredFields: []string{"name"},
			Merge: MergeRules{
				ClientFields: []string{"notes", "phone", "emergency_contact"},
				ServerFields: []string{"rank", "level"},
			},
		},
		"enrollments": {
			Priority: PriorityNormal,
			Strategy: StrategyServerWins,
			Parent:   "student_profiles",
		},
		"attendance_records": {
			Priority:       PriorityImmediate,
			Strategy:       StrategyClientWins,
			Parent:         "enrollments",
			RequiredFields: []string{"student_id", "status"},
		},
		"practice_sessions": {
			Priority: PriorityHigh,
			Strategy: StrategyMerge,
			Parent:   "enrollments",
			Merge: MergeRules{
				ClientFields: []string{"progress", "completed", "duration_minutes", "notes"},
				ServerFields: []string{"rank", "level", "score", "points", "computed_at"},
			},
		},
		"rankings": {
			Priority: PriorityLow,
			Strategy: StrategyServerWins,
			Parent:   "student_profiles",
		},
	})
	if err != nil {
		// The built-in table is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return table
}

// policyFile is the YAML representation of a policy table.
type policyFile struct {
	Collections map[string]policyFileEntry `yaml:"collections"`
}

type policyFileEntry struct {
	Priority       string     `yaml:"priority"`
	Strategy       string     `yaml:"strategy"`
	Parent         string     `yaml:"parent"`
	RequiredFields []string   `yaml:"required_fields"`
	Merge          MergeRules `yaml:"merge"`
}

// LoadPolicies reads a policy table from a YAML file. The file fully
// replaces the default table; it is not merged with it.
func LoadPolicies(path string) (*PolicyTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	return ReadPolicies(f)
}

// ReadPolicies parses a YAML policy table from r.
func ReadPolicies(r io.Reader) (*PolicyTable, error) {
	var file policyFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(file.Collections) == 0 {
		return nil, fmt.Errorf("policy file defines no collections")
	}

	policies := make(map[string]CollectionPolicy, len(file.Collections))
	for name, entry := range file.Collections {
		priority, err := ParsePriority(entry.Priority)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", name, err)
		}
		strategy, err := ParseStrategy(entry.Strategy)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", name, err)
		}
		policies[name] = CollectionPolicy{
			Priority:       priority,
			Strategy:       strategy,
			Parent:         entry.Parent,
			RequiredFields: entry.RequiredFields,
			Merge:          entry.Merge,
		}
	}

	return NewPolicyTable(policies)
}
