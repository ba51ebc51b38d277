package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/eldertree/internal/model"
)

// Scenario is a scripted session against one engine.
//
// Example:
//
//	name: quantum_binding
//	description: entangled bindings ignore resonance
//	steps:
//	  - action: add_node
//	    node: {id: grand_elder, rank: GrandElder}
//	  - action: bind
//	    id: grand_elder
//	  - action: create_binding
//	    a: grand_elder
//	    b: claude_elder
//	    type: QuantumEntangled
//	assertions:
//	  - type: binding
//	    a: grand_elder
//	    b: claude_elder
//	    state: Bound
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Settings    *Settings   `yaml:"settings,omitempty"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Settings overrides engine tuning for one scenario. Unset fields keep the
// harness defaults.
type Settings struct {
	MinStrength       *float64 `yaml:"min_strength,omitempty"`
	EmergencyStrength *float64 `yaml:"emergency_strength,omitempty"`
	RecoveryThreshold *float64 `yaml:"recovery_threshold,omitempty"`
}

// NodeDecl declares a node for an add_node step.
type NodeDecl struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name,omitempty"`
	Rank         string            `yaml:"rank"`
	Type         string            `yaml:"type,omitempty"`
	Sage         string            `yaml:"sage,omitempty"`
	Parent       string            `yaml:"parent,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// Step is one client call or clock movement.
type Step struct {
	Action string `yaml:"action"`

	// add_node
	Node *NodeDecl `yaml:"node,omitempty"`

	// bind, unbind
	ID    string `yaml:"id,omitempty"`
	Force bool   `yaml:"force,omitempty"`

	// create_binding, emergency_bind, decay, recover
	A    string `yaml:"a,omitempty"`
	B    string `yaml:"b,omitempty"`
	Type string `yaml:"type,omitempty"`

	// send
	From     string         `yaml:"from,omitempty"`
	To       string         `yaml:"to,omitempty"`
	Message  string         `yaml:"message,omitempty"`
	Priority string         `yaml:"priority,omitempty"`
	Content  map[string]any `yaml:"content,omitempty"`

	// advance
	Duration string `yaml:"duration,omitempty"`

	// ExpectError names the error code the step must fail with, e.g.
	// INVALID_HIERARCHY. Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	ActionAddNode       = "add_node"
	ActionBind          = "bind"
	ActionUnbind        = "unbind"
	ActionSend          = "send"
	ActionDrain         = "drain"
	ActionCreateBinding = "create_binding"
	ActionEmergencyBind = "emergency_bind"
	ActionAdvance       = "advance"
	ActionDecay         = "decay"
	ActionRecover       = "recover"
	ActionSweep         = "sweep"
	ActionDispatch      = "dispatch"
	ActionStatus        = "status"
)

// Assertion checks the final state of a scenario run.
type Assertion struct {
	Type string `yaml:"type"`

	// event_contains, event_count, audit_count
	Event string `yaml:"event,omitempty"`
	Node  string `yaml:"node,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// event_order
	Events []string `yaml:"events,omitempty"`

	// binding, shared_metadata
	A           string   `yaml:"a,omitempty"`
	B           string   `yaml:"b,omitempty"`
	State       string   `yaml:"state,omitempty"`
	Absent      bool     `yaml:"absent,omitempty"`
	MinStrength *float64 `yaml:"min_strength,omitempty"`
	MaxStrength *float64 `yaml:"max_strength,omitempty"`
	Key         string   `yaml:"key,omitempty"`
}

// Assertion types.
const (
	AssertEventContains  = "event_contains"
	AssertEventOrder     = "event_order"
	AssertEventCount     = "event_count"
	AssertBinding        = "binding"
	AssertSharedMetadata = "shared_metadata"
	AssertAuditCount     = "audit_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a scenario document with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st *Step) error {
	need := func(field, v string) error {
		if v == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", i, field, st.Action)
		}
		return nil
	}

	switch st.Action {
	case "":
		return fmt.Errorf("steps[%d]: action is required", i)
	case ActionAddNode:
		if st.Node == nil {
			return fmt.Errorf("steps[%d]: node is required for add_node", i)
		}
		if err := need("node.id", st.Node.ID); err != nil {
			return err
		}
		if _, err := model.ParseRank(st.Node.Rank); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	case ActionBind, ActionUnbind:
		return need("id", st.ID)
	case ActionCreateBinding:
		if err := need("a", st.A); err != nil {
			return err
		}
		if err := need("b", st.B); err != nil {
			return err
		}
		if _, err := model.ParseConnectionType(st.Type); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	case ActionEmergencyBind, ActionDecay, ActionRecover:
		if err := need("a", st.A); err != nil {
			return err
		}
		return need("b", st.B)
	case ActionSend:
		for field, v := range map[string]string{"from": st.From, "to": st.To, "message": st.Message} {
			if err := need(field, v); err != nil {
				return err
			}
		}
		if st.Priority != "" {
			if _, err := model.ParsePriority(st.Priority); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	case ActionAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return fmt.Errorf("steps[%d]: duration: %w", i, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d]: duration must be non-negative", i)
		}
	case ActionDrain, ActionSweep, ActionDispatch, ActionStatus:
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, st.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventContains:
		return requireEventType(index, a.Type, a.Event)
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
		for _, e := range a.Events {
			if err := requireEventType(index, a.Type, e); err != nil {
				return err
			}
		}
	case AssertEventCount, AssertAuditCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		return requireEventType(index, a.Type, a.Event)
	case AssertBinding:
		if a.A == "" || a.B == "" {
			return fmt.Errorf("assertions[%d]: a and b are required for binding", index)
		}
		if a.State == "" && !a.Absent {
			return fmt.Errorf("assertions[%d]: state or absent is required for binding", index)
		}
		if a.State != "" {
			if _, err := model.ParseBindingState(a.State); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertSharedMetadata:
		if a.A == "" || a.B == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: a, b and key are required for shared_metadata", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func requireEventType(index int, kind, name string) error {
	if name == "" {
		return fmt.Errorf("assertions[%d]: event is required for %s", index, kind)
	}
	if _, err := model.ParseEventType(name); err != nil {
		return fmt.Errorf("assertions[%d]: %w", index, err)
	}
	return nil
}
