package model

import "fmt"

// NodeType classifies what a node represents.
type NodeType int

const (
	NodeIndividual NodeType = iota
	NodeGroup
	NodeSystem
	NodeProcess
)

var nodeTypeNames = []string{"Individual", "Group", "System", "Process"}

func (t NodeType) String() string { return tagName(nodeTypeNames, int(t)) }

// ParseNodeType parses a node type tag.
func ParseNodeType(s string) (NodeType, error) {
	return parseTag[NodeType]("node type", nodeTypeNames, s)
}

func (t NodeType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(nodeTypeNames) {
		return nil, fmt.Errorf("cannot marshal %s", t)
	}
	return []byte(t.String()), nil
}

func (t *NodeType) UnmarshalText(b []byte) error {
	v, err := ParseNodeType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// SageType names the specialty of a FourSages node. Empty means none.
type SageType string

const (
	SageNone      SageType = ""
	SageKnowledge SageType = "KnowledgeSage"
	SageTask      SageType = "TaskSage"
	SageIncident  SageType = "IncidentSage"
	SageRAG       SageType = "RAGSage"
)

// ParseSageType parses a sage tag; the empty string is SageNone.
func ParseSageType(s string) (SageType, error) {
	switch SageType(s) {
	case SageNone, SageKnowledge, SageTask, SageIncident, SageRAG:
		return SageType(s), nil
	}
	return SageNone, fmt.Errorf("unknown sage type %q", s)
}

// Priority orders message urgency.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityInfo
)

var priorityNames = []string{"critical", "high", "normal", "low", "info"}

func (p Priority) String() string { return tagName(priorityNames, int(p)) }

// ParsePriority parses a priority tag.
func ParsePriority(s string) (Priority, error) {
	return parseTag[Priority]("priority", priorityNames, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(priorityNames) {
		return nil, fmt.Errorf("cannot marshal %s", p)
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ConnectionType is the kind of a soul binding.
type ConnectionType int

const (
	ConnDirect ConnectionType = iota
	ConnHierarchical
	ConnCollaborative
	ConnEmergency
	ConnQuantumEntangled
)

var connectionTypeNames = []string{"Direct", "Hierarchical", "Collaborative", "Emergency", "QuantumEntangled"}

// decayModifiers scale the base decay rate per connection type.
var decayModifiers = map[ConnectionType]float64{
	ConnQuantumEntangled: 0.1,
	ConnHierarchical:     0.3,
	ConnDirect:           0.5,
	ConnCollaborative:    0.7,
	ConnEmergency:        2.0,
}

// BaseDecayPerHour is the strength lost per hour before the type modifier.
const BaseDecayPerHour = 0.01

func (c ConnectionType) String() string { return tagName(connectionTypeNames, int(c)) }

// DecayRate returns the strength lost per hour for this connection type.
func (c ConnectionType) DecayRate() float64 {
	return BaseDecayPerHour * decayModifiers[c]
}

// ParseConnectionType parses a connection type tag.
func ParseConnectionType(s string) (ConnectionType, error) {
	return parseTag[ConnectionType]("connection type", connectionTypeNames, s)
}

func (c ConnectionType) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(connectionTypeNames) {
		return nil, fmt.Errorf("cannot marshal %s", c)
	}
	return []byte(c.String()), nil
}

func (c *ConnectionType) UnmarshalText(b []byte) error {
	v, err := ParseConnectionType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// BindingState is the lifecycle state of a soul binding.
type BindingState int

const (
	StateUnbound BindingState = iota
	StateBinding
	StateBound
	StateWeakening
	StateRecovering
	StateBroken
)

var bindingStateNames = []string{"Unbound", "Binding", "Bound", "Weakening", "Recovering", "Broken"}

// transitions is the legal state graph. Broken is terminal and only
// entered from Weakening.
var transitions = map[BindingState][]BindingState{
	StateUnbound:    {StateBinding},
	StateBinding:    {StateBound},
	StateBound:      {StateWeakening},
	StateWeakening:  {StateRecovering, StateBroken},
	StateRecovering: {StateBound, StateWeakening},
}

// CanTransition reports whether from -> to is a legal binding transition.
func CanTransition(from, to BindingState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s BindingState) String() string { return tagName(bindingStateNames, int(s)) }

// Live reports whether the binding still owns a decay task.
func (s BindingState) Live() bool {
	return s == StateBound || s == StateWeakening || s == StateRecovering
}

// ParseBindingState parses a binding state tag.
func ParseBindingState(s string) (BindingState, error) {
	return parseTag[BindingState]("binding state", bindingStateNames, s)
}

func (s BindingState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(bindingStateNames) {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return []byte(s.String()), nil
}

func (s *BindingState) UnmarshalText(b []byte) error {
	v, err := ParseBindingState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// EventType identifies a soul binding event.
type EventType int

const (
	EventBindingRequest EventType = iota
	EventBindingAccepted
	EventBindingRejected
	EventSoulSync
	EventWeakeningDetected
	EventConnectionLost
	EventRecoveryInitiated
	EventEmergencyAlert
)

var eventTypeNames = []string{
	"BindingRequest",
	"BindingAccepted",
	"BindingRejected",
	"SoulSync",
	"WeakeningDetected",
	"ConnectionLost",
	"RecoveryInitiated",
	"EmergencyAlert",
}

func (t EventType) String() string { return tagName(eventTypeNames, int(t)) }

// ParseEventType parses an event type tag.
func ParseEventType(s string) (EventType, error) {
	return parseTag[EventType]("event type", eventTypeNames, s)
}

func (t EventType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return nil, fmt.Errorf("cannot marshal %s", t)
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
