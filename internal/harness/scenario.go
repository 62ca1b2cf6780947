package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convergent/internal/replicator"
)

// Scenario describes a replication run and its expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Replicas lists the actor ids to start. Every replica knows every
	// other replica as a peer.
	Replicas []string `yaml:"replicas"`

	// Collections are registered on every replica.
	Collections []string `yaml:"collections"`

	// Strategy is the replicator strategy. Defaults to INCREMENTAL. The
	// periodic loop never runs; sync steps drive every session.
	Strategy string `yaml:"strategy,omitempty"`

	// SessionTimeout bounds each session, as a duration string.
	SessionTimeout string `yaml:"session_timeout,omitempty"`

	// MaxBatchSize bounds operations per message.
	MaxBatchSize int `yaml:"max_batch_size,omitempty"`

	// Resolver names the conflict resolver: lww (default) or concat.
	Resolver string `yaml:"resolver,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action performed by a replica.
type Step struct {
	Replica    string `yaml:"replica"`
	Action     string `yaml:"action"`
	Collection string `yaml:"collection,omitempty"`
	Key        string `yaml:"key,omitempty"`

	// Value is the written value for set, or the element for add/remove.
	Value any `yaml:"value,omitempty"`

	// Peer is the other side of sync, partition, heal, block and unblock.
	Peer string `yaml:"peer,omitempty"`

	// Duration is how far advance moves the clock.
	Duration string `yaml:"duration,omitempty"`

	// ExpectError is the sync error code a sync step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion checks the state after all steps ran.
type Assertion struct {
	Type       string `yaml:"type"`
	Replica    string `yaml:"replica,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	Key        string `yaml:"key,omitempty"`

	// Value is the expected resolved value (state).
	Value any `yaml:"value,omitempty"`

	// Absent expects the key to be missing (state).
	Absent bool `yaml:"absent,omitempty"`

	// Vector is the expected version vector (vector).
	Vector map[string]int64 `yaml:"vector,omitempty"`

	// CompletedSyncs and FailedSyncs are expected counters (status).
	CompletedSyncs *int `yaml:"completed_syncs,omitempty"`
	FailedSyncs    *int `yaml:"failed_syncs,omitempty"`
}

// Step actions.
const (
	ActionSet       = "set"
	ActionDelete    = "delete"
	ActionAdd       = "add"
	ActionRemove    = "remove"
	ActionSync      = "sync"
	ActionPartition = "partition"
	ActionHeal      = "heal"
	ActionBlock     = "block"
	ActionUnblock   = "unblock"
	ActionAdvance   = "advance"
	ActionCompact   = "compact"
)

// Assertion types.
const (
	AssertConverged = "converged"
	AssertState     = "state"
	AssertVector    = "vector"
	AssertStatus    = "status"
)

// Resolver names.
const (
	ResolverLWW    = "lww"
	ResolverConcat = "concat"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is invalid.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
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
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	for i, id := range s.Replicas {
		if id == "" {
			return fmt.Errorf("replicas[%d]: id is required", i)
		}
		if slices.Index(s.Replicas, id) != i {
			return fmt.Errorf("replicas[%d]: duplicate replica %q", i, id)
		}
	}
	if len(s.Collections) == 0 {
		return fmt.Errorf("collections list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := replicator.ParseStrategy(s.Strategy); err != nil {
		return err
	}
	if s.SessionTimeout != "" {
		if _, err := time.ParseDuration(s.SessionTimeout); err != nil {
			return fmt.Errorf("session_timeout: %w", err)
		}
	}
	switch s.Resolver {
	case "", ResolverLWW, ResolverConcat:
	default:
		return fmt.Errorf("unknown resolver %q", s.Resolver)
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, index int, step *Step) error {
	if !slices.Contains(s.Replicas, step.Replica) {
		return fmt.Errorf("steps[%d]: unknown replica %q", index, step.Replica)
	}

	switch step.Action {
	case ActionSet, ActionAdd, ActionRemove:
		if step.Value == nil {
			return fmt.Errorf("steps[%d]: value is required for %s", index, step.Action)
		}
		fallthrough
	case ActionDelete:
		if !slices.Contains(s.Collections, step.Collection) {
			return fmt.Errorf("steps[%d]: unknown collection %q", index, step.Collection)
		}
		if step.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for %s", index, step.Action)
		}
	case ActionSync, ActionPartition, ActionHeal, ActionBlock, ActionUnblock:
		if !slices.Contains(s.Replicas, step.Peer) || step.Peer == step.Replica {
			return fmt.Errorf("steps[%d]: %s needs another replica as peer, got %q", index, step.Action, step.Peer)
		}
		if step.ExpectError != "" && step.Action != ActionSync {
			return fmt.Errorf("steps[%d]: expect_error is only valid for sync", index)
		}
	case ActionAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("steps[%d]: duration: %w", index, err)
		}
	case ActionCompact:
		if !slices.Contains(s.Collections, step.Collection) {
			return fmt.Errorf("steps[%d]: unknown collection %q", index, step.Collection)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

func validateAssertion(s *Scenario, index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Type != AssertStatus && !slices.Contains(s.Collections, a.Collection) {
		return fmt.Errorf("assertions[%d]: unknown collection %q", index, a.Collection)
	}
	if a.Type != AssertConverged && !slices.Contains(s.Replicas, a.Replica) {
		return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
	}

	switch a.Type {
	case AssertConverged:
	case AssertState:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for state", index)
		}
		if a.Absent == (a.Value != nil) {
			return fmt.Errorf("assertions[%d]: state needs exactly one of value or absent", index)
		}
	case AssertVector:
		if a.Vector == nil {
			return fmt.Errorf("assertions[%d]: vector is required", index)
		}
	case AssertStatus:
		if a.CompletedSyncs == nil && a.FailedSyncs == nil {
			return fmt.Errorf("assertions[%d]: status needs completed_syncs or failed_syncs", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
